// Package provider implements the mailbox backends behind out.MailProvider.
package provider

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"

	"mailpilot_worker/core/domain"
	"mailpilot_worker/core/port/out"
)

// GmailConfig holds the Google OAuth client.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// OutlookConfig holds the Microsoft OAuth client.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string // "common" for multi-tenant
}

// Registry is the lookup table from provider kind to adapter.
type Registry struct {
	providers map[domain.ProviderKind]out.MailProvider
}

func NewRegistry(providers ...out.MailProvider) *Registry {
	r := &Registry{providers: make(map[domain.ProviderKind]out.MailProvider, len(providers))}
	for _, p := range providers {
		r.providers[p.Kind()] = p
	}
	return r
}

func (r *Registry) Get(kind domain.ProviderKind) (out.MailProvider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, kind)
	}
	return p, nil
}

// Kinds lists the registered providers.
func (r *Registry) Kinds() []domain.ProviderKind {
	kinds := make([]domain.ProviderKind, 0, len(r.providers))
	for _, k := range domain.Providers {
		if _, ok := r.providers[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func gmailOAuthConfig(cfg *GmailConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			gmail.GmailSendScope,
			gmail.GmailModifyScope,
			gmail.GmailComposeScope,
		},
		Endpoint: google.Endpoint,
	}
}

func outlookOAuthConfig(cfg *OutlookConfig) *oauth2.Config {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"https://graph.microsoft.com/Mail.ReadWrite",
			"https://graph.microsoft.com/Mail.Send",
			"https://graph.microsoft.com/User.Read",
			"offline_access",
		},
		Endpoint: microsoft.AzureADEndpoint(tenantID),
	}
}
