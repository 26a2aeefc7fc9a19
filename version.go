package main

// Build information, set at link time:
//
//	go build -ldflags "-X main.Version=1.2.0 -X main.Commit=abc123 -X main.BuildTime=2026-01-02T15:04:05Z"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)
