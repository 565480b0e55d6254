package main

import "time"

// GlobalFlags holds persistent flags for every command
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	Listen     string
	Eager      bool // launch the gateway at startup instead of on first request
}

// APIFlags describe how CLI commands reach a running proxy.
type APIFlags struct {
	APIUrl     string
	AdminBase  string
	APITimeout time.Duration
	Insecure   bool
	Username   string
	Password   string
	Token      string
}

type ProcessesFlags struct {
	APIFlags
	Logs bool
}

type LogsFlags struct {
	APIFlags
	ID string
}

type HashPasswordFlags struct {
	Password string
	Cost     int
}

type InitFlags struct {
	Type    string
	Output  string // "-" writes to stdout
	Command string
	Port    int
	Token   string
	Force   bool
}

type LoginFlags struct {
	APIFlags
	ClientID     string
	ClientSecret string
}
