package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qualboard/qualboard/internal/models"
)

func TestHighestMaturity(t *testing.T) {
	assert.Equal(t, models.MaturityML1, models.HighestMaturity(nil))
	assert.Equal(t, models.MaturityML2, models.HighestMaturity([]string{"ML1", "ML2"}))
	assert.Equal(t, models.MaturityML3, models.HighestMaturity([]string{"ML3", "ML1"}))
	assert.Equal(t, models.MaturityML1, models.HighestMaturity([]string{"bogus"}))
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, models.StatusSuccess, models.NormalizeStatus("success"))
	assert.Equal(t, models.StatusDMNotReady, models.NormalizeStatus("dm not ready"))
	assert.Equal(t, "", models.NormalizeStatus("exploded"))
}

func TestTargetNormalizeSyncsFlags(t *testing.T) {
	hpdf := models.Target{IsHPDF: true}
	hpdf.Normalize()
	assert.True(t, hpdf.IsDFTed)

	dfted := models.Target{IsDFTed: true}
	dfted.Normalize()
	assert.True(t, dfted.IsHPDF)

	ip := models.Target{IsIP: true}
	ip.Normalize()
	assert.False(t, ip.IsHPDF)
	assert.False(t, ip.IsDFTed)
}

func TestTargetValidate(t *testing.T) {
	assert.Error(t, (&models.Target{}).Validate())
	assert.NoError(t, (&models.Target{IsIP: true}).Validate())
}

func TestMatches(t *testing.T) {
	ipTarget := models.Target{IsIP: true}
	hpdfCriterion := models.Criterion{AvailableHPDF: true, AvailableDFTed: true}
	anyCriterion := models.Criterion{AvailableIP: true, AvailableHPDF: true, AvailableDFTed: true}

	assert.False(t, models.Matches(&ipTarget, &hpdfCriterion))
	assert.True(t, models.Matches(&ipTarget, &anyCriterion))
}
