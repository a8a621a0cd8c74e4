// Package fido wraps the go-webauthn library for credential registration
// and assertion verification. Session state is serialized to JSON so the
// challenge store can carry it between the begin and finish steps.
package fido

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

type Service struct {
	wa *webauthn.WebAuthn
}

func NewService(rpID, rpDisplayName string, origins []string) (*Service, error) {
	if rpID == "" {
		return nil, fmt.Errorf("webauthn config: relying party id must not be empty")
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: rpDisplayName,
		RPID:          rpID,
		RPOrigins:     origins,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn config: %w", err)
	}
	return &Service{wa: wa}, nil
}

// credentialUser adapts a token credential set to the webauthn.User
// interface. The relying party never sees real user records here, only
// the handle the token was enrolled under.
type credentialUser struct {
	id    []byte
	name  string
	creds []webauthn.Credential
}

func (u *credentialUser) WebAuthnID() []byte          { return u.id }
func (u *credentialUser) WebAuthnName() string        { return u.name }
func (u *credentialUser) WebAuthnDisplayName() string { return u.name }
func (u *credentialUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

// BeginRegistration starts a credential creation ceremony. The returned
// session JSON must be presented back to FinishRegistration unchanged.
func (s *Service) BeginRegistration(userHandle []byte, username string) (*protocol.CredentialCreation, string, error) {
	user := &credentialUser{id: userHandle, name: username}

	options, session, err := s.wa.BeginRegistration(user)
	if err != nil {
		return nil, "", fmt.Errorf("begin registration: %w", err)
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, "", fmt.Errorf("marshal session: %w", err)
	}
	return options, string(sessionJSON), nil
}

// FinishRegistration validates an attestation response against the stored
// session and returns the verified credential.
func (s *Service) FinishRegistration(userHandle []byte, username, sessionJSON string, body io.Reader) (*webauthn.Credential, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(sessionJSON), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, fmt.Errorf("parse creation response: %w", err)
	}

	user := &credentialUser{id: userHandle, name: username}
	credential, err := s.wa.CreateCredential(user, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return credential, nil
}

// BeginLogin starts an assertion ceremony against the given credentials.
func (s *Service) BeginLogin(userHandle []byte, username string, creds []webauthn.Credential) (*protocol.CredentialAssertion, string, error) {
	user := &credentialUser{id: userHandle, name: username, creds: creds}

	options, session, err := s.wa.BeginLogin(user)
	if err != nil {
		return nil, "", fmt.Errorf("begin login: %w", err)
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, "", fmt.Errorf("marshal session: %w", err)
	}
	return options, string(sessionJSON), nil
}

// FinishLogin validates an assertion response. On success it returns the
// matched credential with its authenticator state updated, including the
// new signature counter.
func (s *Service) FinishLogin(userHandle []byte, username, sessionJSON string, creds []webauthn.Credential, body io.Reader) (*webauthn.Credential, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(sessionJSON), &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return nil, fmt.Errorf("parse assertion response: %w", err)
	}

	user := &credentialUser{id: userHandle, name: username, creds: creds}
	credential, err := s.wa.ValidateLogin(user, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("validate assertion: %w", err)
	}
	return credential, nil
}

// MarshalCredential round-trips a verified credential for token storage.
func MarshalCredential(c *webauthn.Credential) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal credential: %w", err)
	}
	return string(b), nil
}

func UnmarshalCredential(raw string) (webauthn.Credential, error) {
	var c webauthn.Credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return webauthn.Credential{}, fmt.Errorf("unmarshal credential: %w", err)
	}
	return c, nil
}
