package callkit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"google.golang.org/api/option"
)

// serviceAccount mirrors the downloaded service-account key file, one field
// per JSON key, so credentials can be injected through the environment
// instead of a key file on disk.
type serviceAccount struct {
	Type                    string `json:"type"`
	ProjectID               string `json:"project_id"`
	PrivateKeyID            string `json:"private_key_id"`
	PrivateKey              string `json:"private_key"`
	ClientEmail             string `json:"client_email"`
	ClientID                string `json:"client_id"`
	AuthURI                 string `json:"auth_uri"`
	TokenURI                string `json:"token_uri"`
	AuthProviderX509CertURL string `json:"auth_provider_x509_cert_url"`
	ClientX509CertURL       string `json:"client_x509_cert_url"`
	UniverseDomain          string `json:"universe_domain"`
}

// FirebaseCredentialsFromEnv builds service-account credentials from the
// FIREBASE_* variables. Project ID, private key and client email are
// required; the rest may be empty. Secret managers usually store the key
// with escaped newlines, which are unescaped here.
func FirebaseCredentialsFromEnv() (option.ClientOption, error) {
	account := serviceAccount{
		Type:                    os.Getenv("FIREBASE_TYPE"),
		ProjectID:               os.Getenv("FIREBASE_PROJECT_ID"),
		PrivateKeyID:            os.Getenv("FIREBASE_PRIVATE_KEY_ID"),
		PrivateKey:              strings.ReplaceAll(os.Getenv("FIREBASE_PRIVATE_KEY"), "\\n", "\n"),
		ClientEmail:             os.Getenv("FIREBASE_CLIENT_EMAIL"),
		ClientID:                os.Getenv("FIREBASE_CLIENT_ID"),
		AuthURI:                 os.Getenv("FIREBASE_AUTH_URI"),
		TokenURI:                os.Getenv("FIREBASE_AUTH_TOKEN_URI"),
		AuthProviderX509CertURL: os.Getenv("FIREBASE_AUTH_PROVIDER_X509_CERT_URL"),
		ClientX509CertURL:       os.Getenv("FIREBASE_AUTH_CLIENT_X509_CERT_URL"),
		UniverseDomain:          os.Getenv("FIREBASE_UNIVERSE_DOMAIN"),
	}

	var missing []string
	if account.ProjectID == "" {
		missing = append(missing, "FIREBASE_PROJECT_ID")
	}
	if account.PrivateKey == "" {
		missing = append(missing, "FIREBASE_PRIVATE_KEY")
	}
	if account.ClientEmail == "" {
		missing = append(missing, "FIREBASE_CLIENT_EMAIL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("incomplete firebase credentials: %s not set", strings.Join(missing, ", "))
	}

	raw, err := json.Marshal(account)
	if err != nil {
		return nil, err
	}
	return option.WithCredentialsJSON(raw), nil
}
