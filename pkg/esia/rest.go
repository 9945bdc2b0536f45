package esia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const embedElements = "?embed=(elements)"

// PersonInfo returns the personal data of oid. An empty oid means the
// subject of the current token.
func (c *Client) PersonInfo(ctx context.Context, oid string) (*Person, error) {
	oid, err := c.subject(oid)
	if err != nil {
		return nil, err
	}

	body, err := c.getResource(ctx, c.personURL(oid))
	if err != nil {
		return nil, err
	}
	r, err := parseRecord(body)
	if err != nil || r == nil {
		return nil, fmt.Errorf("%w: person is not a json object", ErrInvalidResponse)
	}
	p := newPerson(r)
	return &p, nil
}

// Contacts returns the phone numbers and e-mail addresses of oid.
func (c *Client) Contacts(ctx context.Context, oid string) ([]Contact, error) {
	return collection(ctx, c, oid, newContact, c.config.Resources.Contacts)
}

// Addresses returns the registration and residence addresses of oid.
func (c *Client) Addresses(ctx context.Context, oid string) ([]Address, error) {
	return collection(ctx, c, oid, newAddress, c.config.Resources.Addresses)
}

// Documents returns the identity documents of oid.
func (c *Client) Documents(ctx context.Context, oid string) ([]Document, error) {
	return collection(ctx, c, oid, newDocument, c.config.Resources.Documents)
}

// Kids returns the children of oid.
func (c *Client) Kids(ctx context.Context, oid string) ([]Person, error) {
	return collection(ctx, c, oid, newPerson, c.config.Resources.Kids)
}

// ChildDocuments returns the documents of child childOID of oid.
func (c *Client) ChildDocuments(ctx context.Context, oid, childOID string) ([]Document, error) {
	if strings.TrimSpace(childOID) == "" {
		return nil, fmt.Errorf("%w: child oid is required", ErrInvalidRequest)
	}
	return collection(ctx, c, oid, newDocument, c.config.Resources.Kids, childOID, c.config.Resources.Documents)
}

// Vehicles returns the vehicles registered to oid.
func (c *Client) Vehicles(ctx context.Context, oid string) ([]Vehicle, error) {
	return collection(ctx, c, oid, newVehicle, c.config.Resources.Vehicles)
}

// Roles returns the organizations oid may act for.
func (c *Client) Roles(ctx context.Context, oid string) ([]Role, error) {
	return collection(ctx, c, oid, newRole, c.config.Resources.Roles)
}

func collection[T any](ctx context.Context, c *Client, oid string, build func(record) T, path ...string) ([]T, error) {
	oid, err := c.subject(oid)
	if err != nil {
		return nil, err
	}

	body, err := c.getResource(ctx, c.personURL(oid, path...)+embedElements)
	if err != nil {
		return nil, err
	}

	var page struct {
		Elements []json.RawMessage `json:"elements"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	out := make([]T, 0, len(page.Elements))
	for _, raw := range page.Elements {
		r, err := parseRecord(raw)
		if err != nil || r == nil {
			continue
		}
		out = append(out, build(r))
	}
	return out, nil
}

func (c *Client) subject(oid string) (string, error) {
	if oid != "" {
		return oid, nil
	}
	tok := c.token.Load()
	if tok == nil {
		return "", ErrMissingToken
	}
	if tok.SubjectID == "" {
		return "", fmt.Errorf("%w: token carries no subject", ErrInvalidRequest)
	}
	return tok.SubjectID, nil
}

// personURL joins the REST base, the persons suffix, oid and path with
// single slashes.
func (c *Client) personURL(oid string, path ...string) string {
	parts := append([]string{c.config.RestURL, c.config.Resources.Persons, oid}, path...)
	for i, p := range parts {
		parts[i] = strings.Trim(p, "/\\")
		if i == 0 {
			parts[i] = strings.TrimRight(p, "/\\")
		}
	}
	return strings.Join(parts, "/")
}

func (c *Client) getResource(ctx context.Context, uri string) ([]byte, error) {
	resp, err := c.Send(ctx, http.MethodGet, uri, c.policy, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}
	if !isSuccess(resp.StatusCode) {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
