package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	tokenAudience = "relaysync"

	ScopeRead    = "sync:read"
	ScopeWrite   = "sync:write"
	ScopeTrigger = "sync:trigger"
	ScopeAdmin   = "sync:admin"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

type tokenClaims struct {
	WorkspaceID string
	AgentName   string
	Scopes      map[string]struct{}
	Exp         int64
}

func (c tokenClaims) hasScope(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

// authorizeBearer validates an HS256 token and checks the workspace and scope
// it grants. Empty workspaceID or requiredScope skip that check.
func authorizeBearer(authHeader, jwtSecret, workspaceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	return authorizeToken(strings.TrimSpace(raw), jwtSecret, workspaceID, requiredScope, now)
}

func authorizeToken(raw, jwtSecret, workspaceID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseToken(raw, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if workspaceID != "" && claims.WorkspaceID != workspaceID {
		return tokenClaims{}, forbidden("workspace mismatch")
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, forbidden("missing required scope: " + requiredScope)
	}
	return claims, nil
}

func parseToken(raw, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return tokenClaims{}, unauthorized("invalid jwt format")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return tokenClaims{}, unauthorized("unsupported jwt algorithm")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid jwt signature")
	}
	mac := hmac.New(sha256.New, []byte(jwtSecret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigBytes, mac.Sum(nil)) {
		return tokenClaims{}, unauthorized("jwt signature mismatch")
	}

	var payload map[string]any
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return tokenClaims{}, unauthorized("invalid jwt payload")
	}
	workspaceID, _ := payload["workspace_id"].(string)
	if workspaceID == "" {
		return tokenClaims{}, unauthorized("missing workspace_id claim")
	}
	agentName, _ := payload["agent_name"].(string)
	if agentName == "" {
		return tokenClaims{}, unauthorized("missing agent_name claim")
	}
	exp, err := parseExp(payload["exp"])
	if err != nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	if now.Unix() >= exp {
		return tokenClaims{}, unauthorized("token expired")
	}
	if !audienceMatches(payload["aud"]) {
		return tokenClaims{}, unauthorized("invalid aud claim")
	}
	scopes := parseScopes(payload["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, forbidden("no scopes granted")
	}
	return tokenClaims{
		WorkspaceID: workspaceID,
		AgentName:   agentName,
		Scopes:      scopes,
		Exp:         exp,
	}, nil
}

// audienceMatches accepts aud as a string or a list of strings.
func audienceMatches(v any) bool {
	switch typed := v.(type) {
	case string:
		return typed == tokenAudience
	case []any:
		for _, item := range typed {
			if aud, ok := item.(string); ok && aud == tokenAudience {
				return true
			}
		}
	}
	return false
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

func parseExp(v any) (int64, error) {
	switch typed := v.(type) {
	case float64:
		return int64(typed), nil
	case json.Number:
		return typed.Int64()
	default:
		return 0, errors.New("unsupported exp type")
	}
}
