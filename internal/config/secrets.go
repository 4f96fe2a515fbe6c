package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	ksm "github.com/keeper-security/secrets-manager-go/core"
)

// secretScheme marks a config value to be pulled from Keeper Secrets
// Manager instead of being used literally, e.g.
//
//	bind_password: ksm://A1b2C3d4E5f6G7h8I9j0K1/password
const secretScheme = "ksm://"

const ksmConfigEnv = "KSM_CONFIG_BASE64"

// SecretResolver turns a ksm:// reference into the secret value.
type SecretResolver interface {
	Resolve(ref string) (string, error)
}

// recordSource is the slice of the KSM client the resolver needs; the tests
// substitute their own.
type recordSource interface {
	GetSecrets(uids []string) ([]*ksm.Record, error)
}

// KSMResolver resolves ksm://<recordUID>/<field> references. The field part
// is a record field type; "password" reads the record's password.
type KSMResolver struct {
	secrets recordSource
}

// NewKSMResolverFromEnv builds a resolver from the KSM_CONFIG_BASE64
// environment variable, or nil when the variable is not set so that configs
// without secret references need no KSM application at all.
func NewKSMResolverFromEnv() (*KSMResolver, error) {
	configBase64 := os.Getenv(ksmConfigEnv)
	if configBase64 == "" {
		return nil, nil
	}
	sm := ksm.NewSecretsManager(&ksm.ClientOptions{
		Config: ksm.NewMemoryKeyValueStorage(configBase64),
	})
	return &KSMResolver{secrets: sm}, nil
}

// Resolve fetches the record named by ref and returns the requested field.
func (r *KSMResolver) Resolve(ref string) (string, error) {
	uid, field, err := parseSecretRef(ref)
	if err != nil {
		return "", err
	}

	records, err := r.secrets.GetSecrets([]string{uid})
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", ref, err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("resolving %q: record not found or not shared to the KSM application", ref)
	}

	record := records[0]
	var value string
	if field == "password" {
		value = record.Password()
	} else {
		value = record.GetFieldValueByType(field)
	}
	if value == "" {
		return "", fmt.Errorf("resolving %q: record has no %q value", ref, field)
	}
	return value, nil
}

func parseSecretRef(ref string) (uid, field string, err error) {
	body := strings.TrimPrefix(ref, secretScheme)
	uid, field, ok := strings.Cut(body, "/")
	if !ok || uid == "" || field == "" {
		return "", "", errors.New("secret reference must look like ksm://<recordUID>/<field>")
	}
	return uid, field, nil
}
