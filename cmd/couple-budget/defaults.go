package main

import "time"

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultProbeURL      = "https://vision.googleapis.com/"
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeInterval = 30 * time.Second
)
