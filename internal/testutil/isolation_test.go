package testutil

import (
	"os"
	"testing"
)

func TestWithIsolatedEnv_RestoresEnv(t *testing.T) {
	os.Setenv("SVCREGISTRY_TRACKER_WORKERS", "orig")
	os.Unsetenv("SVCREGISTRY_HTTP_ADDRESS")
	defer os.Unsetenv("SVCREGISTRY_TRACKER_WORKERS")

	WithIsolatedEnv(func() {
		if _, ok := os.LookupEnv("SVCREGISTRY_TRACKER_WORKERS"); ok {
			t.Fatalf("SVCREGISTRY_TRACKER_WORKERS should be cleared inside")
		}
		os.Setenv("SVCREGISTRY_TRACKER_WORKERS", "changed")
		os.Setenv("SVCREGISTRY_HTTP_ADDRESS", "added")
	})

	if v := os.Getenv("SVCREGISTRY_TRACKER_WORKERS"); v != "orig" {
		t.Fatalf("expected SVCREGISTRY_TRACKER_WORKERS=orig after restore, got %s", v)
	}
	if _, ok := os.LookupEnv("SVCREGISTRY_HTTP_ADDRESS"); ok {
		t.Fatalf("SVCREGISTRY_HTTP_ADDRESS should be unset after restore")
	}
}

func TestWithIsolatedEnv_ExtraKeys(t *testing.T) {
	os.Setenv("APP_ENV", "base")
	defer os.Unsetenv("APP_ENV")

	WithIsolatedEnv(func() {
		if _, ok := os.LookupEnv("APP_ENV"); ok {
			t.Fatalf("APP_ENV should be cleared inside")
		}
		os.Setenv("APP_ENV", "inner")
	}, "APP_ENV")

	if v := os.Getenv("APP_ENV"); v != "base" {
		t.Fatalf("expected APP_ENV=base after restore, got %s", v)
	}
}

func TestIsolate_RestoresEnvAndLIFO(t *testing.T) {
	os.Setenv("SVCREGISTRY_LOG_LEVEL", "base")

	// Register assertion first so it runs last (cleanup order is LIFO)
	t.Cleanup(func() {
		if v := os.Getenv("SVCREGISTRY_LOG_LEVEL"); v != "base" {
			t.Fatalf("expected SVCREGISTRY_LOG_LEVEL=base after cleanup, got %s", v)
		}
		if _, ok := os.LookupEnv("SVCREGISTRY_LOG_FORMAT"); ok {
			t.Fatalf("SVCREGISTRY_LOG_FORMAT should be unset after cleanup")
		}
		os.Unsetenv("SVCREGISTRY_LOG_LEVEL")
	})

	Isolate(t)
	os.Setenv("SVCREGISTRY_LOG_LEVEL", "layer1")
	os.Setenv("SVCREGISTRY_LOG_FORMAT", "json")

	Isolate(t)
	os.Setenv("SVCREGISTRY_LOG_LEVEL", "layer2")
}
