package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("orchestratord")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}

	token, err := mgr.GenerateCallerToken("caller-1", time.Minute)
	if err != nil {
		t.Fatalf("GenerateCallerToken: %v", err)
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.CallerID != "caller-1" {
		t.Errorf("CallerID = %q, want caller-1", claims.CallerID)
	}
	if claims.Subject != "caller-1" {
		t.Errorf("Subject = %q, want caller-1", claims.Subject)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	mgr, err := NewJWTManagerGenerated("orchestratord")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}

	token, err := mgr.GenerateCallerToken("caller-1", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateCallerToken: %v", err)
	}

	_, err = mgr.ValidateToken(token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("ValidateToken error = %v, want ErrTokenExpired", err)
	}
}

func TestValidateTokenWrongKey(t *testing.T) {
	mgr1, err := NewJWTManagerGenerated("orchestratord")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}
	mgr2, err := NewJWTManagerGenerated("orchestratord")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}

	token, err := mgr1.GenerateCallerToken("caller-1", time.Minute)
	if err != nil {
		t.Fatalf("GenerateCallerToken: %v", err)
	}

	_, err = mgr2.ValidateToken(token)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("ValidateToken error = %v, want ErrTokenInvalid", err)
	}
}

func TestValidateTokenWrongIssuer(t *testing.T) {
	mgr1, err := NewJWTManagerGenerated("orchestratord")
	if err != nil {
		t.Fatalf("NewJWTManagerGenerated: %v", err)
	}

	token, err := mgr1.GenerateCallerToken("caller-1", time.Minute)
	if err != nil {
		t.Fatalf("GenerateCallerToken: %v", err)
	}

	mgr2 := &JWTManager{privateKey: mgr1.privateKey, publicKey: mgr1.publicKey, issuer: "different-issuer"}
	_, err = mgr2.ValidateToken(token)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("ValidateToken error = %v, want ErrTokenInvalid", err)
	}
}
