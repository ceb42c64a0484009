package identity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"localcloud/internal/dispatch"
	"localcloud/internal/intrinsics"
	"localcloud/internal/provider"
	"localcloud/pkg/logging"
)

const identitySubsystem = "Identity"

const targetPrefix = "AWSCognitoIdentityService"

// Static credentials handed to every caller. Local-only values; nothing
// downstream verifies them beyond presence.
const (
	localAccessKeyID     = "LOCALCLOUDACCESSKEY"
	localSecretAccessKey = "localcloudsecretaccesskey"
	localSessionToken    = "localcloud-session-token"
)

// Provider is the identity stub: it mints stable identity ids per pool and
// returns fixed local credentials so SDK credential chains resolve.
type Provider struct {
	*provider.Base

	mu         sync.Mutex
	identities map[string]string // pool id -> identity id
}

func NewProvider() *Provider {
	return &Provider{
		Base:       provider.NewBase("identity"),
		identities: make(map[string]string),
	}
}

func (p *Provider) Start(ctx context.Context) error {
	return p.RunStart(ctx, func(ctx context.Context) error {
		logging.Info(identitySubsystem, "identity provider started")
		return nil
	})
}

func (p *Provider) Stop(ctx context.Context) error {
	return p.RunStop(ctx, func(ctx context.Context) error { return nil })
}

func (p *Provider) HealthCheck(ctx context.Context) bool { return true }

// IdentityID returns the stable identity id for a pool, minting one on
// first use.
func (p *Provider) IdentityID(poolID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.identities[poolID]; ok {
		return id
	}
	id := fmt.Sprintf("%s:%s", intrinsics.LocalRegion, uuid.NewString())
	p.identities[poolID] = id
	return id
}

// Surface serves the identity service's JSON-target dialect.
type Surface struct {
	provider *Provider
}

func NewSurface(p *Provider) *Surface {
	return &Surface{provider: p}
}

func (s *Surface) Handler() http.Handler {
	mux := dispatch.NewJSONTargetMux(targetPrefix)
	mux.Handle("GetId", s.getID)
	mux.Handle("GetCredentialsForIdentity", s.getCredentials)
	return mux
}

func (s *Surface) getID(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	poolID, _ := body["IdentityPoolId"].(string)
	return map[string]interface{}{"IdentityId": s.provider.IdentityID(poolID)}, nil
}

func (s *Surface) getCredentials(ctx context.Context, rc dispatch.RequestContext, body map[string]interface{}) (interface{}, error) {
	identityID, _ := body["IdentityId"].(string)
	if identityID == "" {
		identityID = s.provider.IdentityID("")
	}
	return map[string]interface{}{
		"IdentityId": identityID,
		"Credentials": map[string]interface{}{
			"AccessKeyId":  localAccessKeyID,
			"SecretKey":    localSecretAccessKey,
			"SessionToken": localSessionToken,
			"Expiration":   float64(time.Now().Add(12 * time.Hour).Unix()),
		},
	}, nil
}
