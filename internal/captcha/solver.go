package captcha

import (
	"context"
	"fmt"
	"sort"
)

// Kind of challenge sent to a solving provider
type Kind string

const (
	KindImage     Kind = "image"
	KindTurnstile Kind = "turnstile"
)

// Challenge describes what has to be solved.
// Image challenges carry a base64 body and the expected answer length,
// turnstile challenges carry a site key and page URL.
type Challenge struct {
	Kind           Kind
	Image          string
	ExpectedLength int
	SiteKey        string
	PageURL        string
}

// Task is the outcome of one solve attempt
type Task struct {
	ID     string
	Kind   Kind
	Answer string
	Solved bool
	Reason string
}

// Solver solves challenges through a provider.
// Solve never returns an error: provider failures end up in Task.Reason.
type Solver interface {
	Solve(ctx context.Context, ch Challenge) Task
	ReportBad(ctx context.Context, taskID string) error
}

// Provider holds the endpoint details of one solving service.
// All supported services share the createTask/getTaskResult protocol.
type Provider struct {
	Name          string
	BaseURL       string
	SoftID        int
	TurnstileType string
	ReportPath    string
}

var providers = map[string]Provider{
	"2captcha": {
		Name:          "2captcha",
		BaseURL:       "https://api.2captcha.com",
		SoftID:        4706,
		TurnstileType: "TurnstileTaskProxyless",
		ReportPath:    "/reportIncorrect",
	},
	"anticaptcha": {
		Name:          "anticaptcha",
		BaseURL:       "https://api.anti-captcha.com",
		SoftID:        1201,
		TurnstileType: "TurnstileTaskProxyless",
		ReportPath:    "/reportIncorrectImageCaptcha",
	},
	"capmonster": {
		Name:          "capmonster",
		BaseURL:       "https://api.capmonster.cloud",
		TurnstileType: "TurnstileTaskProxyless",
	},
	"capsolver": {
		Name:          "capsolver",
		BaseURL:       "https://api.capsolver.com",
		TurnstileType: "AntiTurnstileTaskProxyLess",
	},
}

// LookupProvider returns the provider registered under name
func LookupProvider(name string) (Provider, error) {
	p, ok := providers[name]
	if !ok {
		return Provider{}, fmt.Errorf("unknown captcha provider %q (supported: %v)", name, ProviderNames())
	}
	return p, nil
}

// ProviderNames lists the supported provider names
func ProviderNames() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
