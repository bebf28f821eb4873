package sshfallback

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewPoolRequiresKnownHostsWhenStrict(t *testing.T) {
	_, err := NewPool(Config{StrictHostKeyChecking: true}, zap.NewNop())
	if err == nil {
		t.Fatal("NewPool should fail when strict checking is requested without a known_hosts path")
	}
}

func TestNewPoolAllowsInsecureWithWarning(t *testing.T) {
	pool, err := NewPool(Config{StrictHostKeyChecking: false}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if pool.hkcb == nil {
		t.Fatal("expected a host key callback to be set even in insecure mode")
	}
}

func TestAuthMethodRejectsUnknownType(t *testing.T) {
	if _, err := authMethod("bogus", Credentials{}); err == nil {
		t.Fatal("authMethod should reject an unrecognized auth type")
	}
}

func TestAuthMethodRejectsMalformedKey(t *testing.T) {
	if _, err := authMethod(AuthKey, Credentials{PrivateKey: "not a key"}); err == nil {
		t.Fatal("authMethod should reject a malformed private key")
	}
}
