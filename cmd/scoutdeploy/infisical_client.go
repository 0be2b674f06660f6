// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// =============================================================================
// WIRE FORMAT
// =============================================================================

// wireSecret is the backend's JSON representation of a secret version.
type wireSecret struct {
	Name      string      `json:"secretName"`
	Value     string      `json:"secretValue"`
	Version   int         `json:"version"`
	CreatedAt time.Time   `json:"createdAt"`
	Revoked   bool        `json:"isRevoked"`
	Policy    *wirePolicy `json:"rotationPolicy,omitempty"`
}

type wirePolicy struct {
	IntervalSeconds int64 `json:"intervalSeconds"`
	RequireApproval bool  `json:"requireApproval"`
	Notify          bool  `json:"notify"`
}

func (w *wireSecret) descriptor(scope Scope) *SecretDescriptor {
	desc := &SecretDescriptor{
		Name:      w.Name,
		Scope:     scope,
		Value:     []byte(w.Value),
		Version:   w.Version,
		CreatedAt: w.CreatedAt,
		Revoked:   w.Revoked,
	}
	if w.Policy != nil {
		desc.Policy = &RotationPolicy{
			Interval:        time.Duration(w.Policy.IntervalSeconds) * time.Second,
			RequireApproval: w.Policy.RequireApproval,
			Notify:          w.Policy.Notify,
		}
	}
	return desc
}

func wirePolicyFrom(p *RotationPolicy) *wirePolicy {
	if p == nil {
		return nil
	}
	return &wirePolicy{
		IntervalSeconds: int64(p.Interval / time.Second),
		RequireApproval: p.RequireApproval,
		Notify:          p.Notify,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// HTTPDoer abstracts the HTTP client for the secrets backend.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// InfisicalStore is a SecretStore over an Infisical-style REST API.
//
// # Description
//
// Authenticates with a bearer service token; every request carries the
// projectId and environment query parameters so the backend enforces the
// scope server-side as well.
//
// # Errors
//
// HTTP 401/403 map to ErrUnauthorized, 404 to ErrSecretNotFound, and 5xx
// plus transport failures to ErrBackendUnavailable, so the provisioner's
// retry classification works unchanged across backends.
type InfisicalStore struct {
	baseURL string
	token   string
	scope   Scope
	client  HTTPDoer
	timeout time.Duration
}

// NewInfisicalStore creates a store client for baseURL.
func NewInfisicalStore(baseURL, token string, scope Scope, timeout time.Duration) *InfisicalStore {
	timeout = EnforceMinTimeout(timeout, MinStoreRequestTimeout)
	return &InfisicalStore{
		baseURL: baseURL,
		token:   token,
		scope:   scope,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// NewInfisicalStoreWithClient injects a custom HTTP client, for tests.
func NewInfisicalStoreWithClient(baseURL, token string, scope Scope, client HTTPDoer) *InfisicalStore {
	return &InfisicalStore{
		baseURL: baseURL,
		token:   token,
		scope:   scope,
		client:  client,
		timeout: MinStoreRequestTimeout,
	}
}

// Scope reports the store's (project, environment).
func (s *InfisicalStore) Scope() Scope { return s.scope }

// Get returns the latest non-revoked version of name.
func (s *InfisicalStore) Get(ctx context.Context, name string) (*SecretDescriptor, error) {
	var body struct {
		Secret wireSecret `json:"secret"`
	}
	if err := s.call(ctx, http.MethodGet, "/api/v1/secrets/"+url.PathEscape(name), name, nil, nil, &body); err != nil {
		return nil, err
	}
	desc := body.Secret.descriptor(s.scope)
	if desc.Revoked {
		return nil, fmt.Errorf("%w: %s in %s", ErrSecretNotFound, name, s.scope)
	}
	return desc, nil
}

// GetVersion returns one historical version of name.
func (s *InfisicalStore) GetVersion(ctx context.Context, name string, version int) (*SecretDescriptor, error) {
	var body struct {
		Secret wireSecret `json:"secret"`
	}
	path := "/api/v1/secrets/" + url.PathEscape(name) + "/versions/" + strconv.Itoa(version)
	if err := s.call(ctx, http.MethodGet, path, name, nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Secret.descriptor(s.scope), nil
}

// Put writes the next version of name.
func (s *InfisicalStore) Put(ctx context.Context, name string, value []byte, policy *RotationPolicy) (*SecretDescriptor, error) {
	payload := map[string]any{
		"secretValue":    string(value),
		"rotationPolicy": wirePolicyFrom(policy),
	}
	var body struct {
		Secret wireSecret `json:"secret"`
	}
	if err := s.call(ctx, http.MethodPost, "/api/v1/secrets/"+url.PathEscape(name), name, nil, payload, &body); err != nil {
		return nil, err
	}
	return body.Secret.descriptor(s.scope), nil
}

// List returns every live secret in the scope.
func (s *InfisicalStore) List(ctx context.Context) ([]SecretDescriptor, error) {
	var body struct {
		Secrets []wireSecret `json:"secrets"`
	}
	if err := s.call(ctx, http.MethodGet, "/api/v1/secrets", "", nil, nil, &body); err != nil {
		return nil, err
	}
	out := make([]SecretDescriptor, 0, len(body.Secrets))
	for i := range body.Secrets {
		desc := body.Secrets[i].descriptor(s.scope)
		if desc.Revoked {
			continue
		}
		out = append(out, *desc)
	}
	return out, nil
}

// Delete revokes the head version of name.
func (s *InfisicalStore) Delete(ctx context.Context, name string) error {
	return s.call(ctx, http.MethodDelete, "/api/v1/secrets/"+url.PathEscape(name), name, nil, nil, nil)
}

// SetPolicy replaces the rotation policy on name.
func (s *InfisicalStore) SetPolicy(ctx context.Context, name string, policy *RotationPolicy) error {
	payload := map[string]any{"rotationPolicy": wirePolicyFrom(policy)}
	return s.call(ctx, http.MethodPatch, "/api/v1/secrets/"+url.PathEscape(name)+"/policy", name, nil, payload, nil)
}

// call performs one authenticated request and decodes the response.
// name is the secret the request concerns, used to phrase not-found
// errors; empty for scope-wide requests.
func (s *InfisicalStore) call(ctx context.Context, method, path, name string, query url.Values, payload, out any) error {
	u, err := url.Parse(s.baseURL + path)
	if err != nil {
		return fmt.Errorf("bad backend URL: %w", err)
	}
	if query == nil {
		query = url.Values{}
	}
	query.Set("projectId", s.scope.Project)
	query.Set("environment", s.scope.Environment)
	u.RawQuery = query.Encode()

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s", ErrUnauthorized, method, path)
	case resp.StatusCode == http.StatusNotFound:
		if name == "" {
			return fmt.Errorf("%w: %s %s", ErrSecretNotFound, method, path)
		}
		return fmt.Errorf("%w: %s in %s", ErrSecretNotFound, name, s.scope)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrBackendUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("backend rejected %s %s: %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}

var _ SecretStore = (*InfisicalStore)(nil)
