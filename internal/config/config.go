package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Addr        string
	DatabaseURL string

	JenkinsURL         string
	JenkinsJob         string
	JenkinsToken       string
	JenkinsSoftSuccess bool

	KafkaBrokers []string
	KafkaTopic   string

	LogBucket string
	LogPrefix string

	JWTSecret string
}

const (
	defaultAddr       = ":8070"
	defaultKafkaTopic = "execution-updates"
	defaultJenkinsJob = "qualboard-verify"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:               getEnv("QUALBOARD_ADDR", defaultAddr),
		DatabaseURL:        firstNonEmpty(os.Getenv("QUALBOARD_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		JenkinsURL:         os.Getenv("JENKINS_URL"),
		JenkinsJob:         getEnv("JENKINS_JOB", defaultJenkinsJob),
		JenkinsToken:       os.Getenv("JENKINS_TOKEN"),
		JenkinsSoftSuccess: getBool("JENKINS_SOFT_SUCCESS", true),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		LogBucket:          os.Getenv("QUALBOARD_LOG_BUCKET"),
		LogPrefix:          os.Getenv("QUALBOARD_LOG_PREFIX"),
		JWTSecret:          os.Getenv("QUALBOARD_JWT_SECRET"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or QUALBOARD_DATABASE_URL required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
