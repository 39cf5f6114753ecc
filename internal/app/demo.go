package app

import (
	"github.com/jmehdipour/webhook-gateway/internal/model"
)

// DemoTenants are the deterministic accounts written by `seed` and loaded by
// `serve --store=memory`.
func DemoTenants() []model.Tenant {
	return []model.Tenant{
		{ID: "tnt_acme", Name: "Acme Realty", APIKey: "11111111111111111111111111111111", Status: "active", RateLimitRPS: intptr(20)},
		{ID: "tnt_skyline", Name: "Skyline Builders", APIKey: "22222222222222222222222222222222", Status: "active", RateLimitRPS: intptr(50)},
		{ID: "tnt_suspended", Name: "Suspended Inc", APIKey: "44444444444444444444444444444444", Status: "suspended"},
	}
}

// DemoEndpoints point at targetBase (e.g. a local request bin).
func DemoEndpoints(targetBase string) []model.WebhookEndpoint {
	return []model.WebhookEndpoint{
		{
			ID: "wh_acme_crm", TenantID: "tnt_acme", TargetURL: targetBase + "/crm",
			AuthMode: model.AuthHMACSignature, AuthSecret: "acme-demo-secret",
			SubscribedEvents: []string{model.EventLeadCreated, model.EventLeadStatusChanged},
			CustomHeaders:    []model.Header{{Name: "X-Source", Value: "webhook-gateway"}},
			MaxRetries:       3, BaseRetryDelaySeconds: 30, IsActive: true,
		},
		{
			ID: "wh_acme_all", TenantID: "tnt_acme", TargetURL: targetBase + "/all",
			AuthMode: model.AuthBearerToken, AuthSecret: "acme-demo-token",
			MaxRetries: 5, BaseRetryDelaySeconds: 60, IsActive: true,
		},
		{
			ID: "wh_skyline_listings", TenantID: "tnt_skyline", TargetURL: targetBase + "/listings",
			AuthMode: model.AuthHMACSignature, AuthSecret: "skyline-demo-secret",
			SignatureAlgorithm: "sha512", SignatureHeader: "X-Skyline-Signature",
			SubscribedEvents: []string{model.EventPropertyPublished},
			MaxRetries:       2, BaseRetryDelaySeconds: 10, IsActive: true,
		},
	}
}

// LoadDemo fills the in-memory store.
func (a *App) LoadDemo(targetBase string) {
	if a.Memory == nil {
		return
	}
	for _, t := range DemoTenants() {
		a.Memory.PutTenant(t)
	}
	for _, ep := range DemoEndpoints(targetBase) {
		a.Memory.PutEndpoint(ep)
	}
}

func intptr(i int) *int { return &i }
