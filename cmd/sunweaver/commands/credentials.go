package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/alvmarrod/sunweaver/internal/session"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tcnksm/go-input"
)

const (
	envUser = "SUNWEAVER_USER"
	envPass = "SUNWEAVER_PASS"
)

// askFunc prompts the operator for one value
type askFunc func(question string, secret bool) (string, error)

func promptTerminal(question string, secret bool) (string, error) {
	ui := input.DefaultUI()
	return ui.Ask(question, &input.Options{
		Required:  true,
		HideOrder: true,
		Loop:      true,
		Mask:      secret,
	})
}

// loadDotenv reads .env into the environment when present
func loadDotenv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.Warnf("Error loading .env file: %v", err)
	}
}

// resolveCredentials picks each credential from the flag, then the
// environment, then the prompt
func resolveCredentials(user, pass string, getenv func(string) string, ask askFunc) (session.Credentials, error) {
	if user == "" {
		user = getenv(envUser)
	}
	if pass == "" {
		pass = getenv(envPass)
	}

	var err error
	if user == "" {
		if user, err = ask("Dashboard username", false); err != nil {
			return session.Credentials{}, fmt.Errorf("failed to read username: %w", err)
		}
	}
	if pass == "" {
		if pass, err = ask("Dashboard password", true); err != nil {
			return session.Credentials{}, fmt.Errorf("failed to read password: %w", err)
		}
	}
	return session.Credentials{Username: user, Password: pass}, nil
}
