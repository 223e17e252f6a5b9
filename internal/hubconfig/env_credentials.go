package hubconfig

import (
	"context"
	"fmt"
	"os"
)

// EnvCredentials resolves ${NAME} references against the process
// environment. It is the hub's default hub.CredentialProvider; a deployment
// wanting a vault or keychain-backed resolver supplies its own collaborator
// implementing the same interface instead.
type EnvCredentials struct{}

func (EnvCredentials) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", ref)
	}
	return v, nil
}
