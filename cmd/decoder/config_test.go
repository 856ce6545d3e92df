package main

import (
	"testing"
	"time"
)

func TestConfigValidate_OK(t *testing.T) {
	c := &appConfig{
		serialDev:     "/dev/null",
		baud:          115200,
		serialReadTO:  10 * time.Millisecond,
		logFormat:     "text",
		logLevel:      "info",
		channels:      []uint32{7, 12},
		bootImageAddr: 0,
		flashBase:     8192,
	}
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"tooManyChannels", func(c *appConfig) {
			c.channels = []uint32{1, 2, 3, 4, 5, 6, 7, 8, 9}
		}},
	}
	for _, tc := range tests {
		base := &appConfig{
			serialDev: "/dev/null", baud: 115200, serialReadTO: 10 * time.Millisecond,
			logFormat: "text", logLevel: "info", flashBase: 8192,
		}
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseChannelsInsertsNoImplicitZero(t *testing.T) {
	got, err := parseChannels("7, 12 ,19")
	if err != nil {
		t.Fatalf("parseChannels: %v", err)
	}
	want := []uint32{7, 12, 19}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestParseChannelsEmpty(t *testing.T) {
	got, err := parseChannels("")
	if err != nil {
		t.Fatalf("parseChannels: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no channels, got %v", got)
	}
}

func TestParseChannelsRejectsGarbage(t *testing.T) {
	if _, err := parseChannels("7,abc"); err == nil {
		t.Fatalf("expected error for malformed channel list")
	}
}
