// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads credentials kept outside the config file: a
// directory of plain-text key files and an optional .env file.
//
// In the key directory each file is one secret: the filename is the key
// name and the trimmed contents are the value. Recognized keys are listed
// in Keys.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/pdiddy/harvest-engine/internal/logging"
	"github.com/pdiddy/harvest-engine/pkg/types"
)

// Key file names.
const (
	SemanticScholarAPIKey = "semantic-scholar-api-key"
	OpenAlexEmail         = "openalex-email"
	CrossrefMailto        = "crossref-mailto"
	ContactEmail          = "contact-email"
	StoreDSN              = "store-dsn"
	MirrorAccessKey       = "mirror-access-key"
	MirrorSecretKey       = "mirror-secret-key"
)

// Keys lists the key files Apply understands.
var Keys = []string{
	SemanticScholarAPIKey, OpenAlexEmail, CrossrefMailto, ContactEmail,
	StoreDSN, MirrorAccessKey, MirrorSecretKey,
}

// Load reads all files in dir and returns a map of filename to trimmed contents.
// A missing directory is not an error; Load returns an empty map.
// Unreadable files are logged and skipped.
func Load(dir string, logger *zap.Logger) (map[string]string, error) {
	logger = logging.OrNop(logger)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	out := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			logger.Warn("could not read secret", zap.String("key", name), zap.Error(err))
			continue
		}
		if value := strings.TrimSpace(string(data)); value != "" {
			out[name] = value
		}
	}
	return out, nil
}

// LoadEnv loads variables from the given .env files into the process
// environment. Missing files are skipped and variables already set are
// left alone, so the real environment wins.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Apply fills empty credential fields of cfg from secrets. Values already
// set by the config file, environment, or flags take precedence.
func Apply(cfg *types.Config, secrets map[string]string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = secrets[key]
		}
	}
	fill(&cfg.Sources.SemanticScholarAPIKey, SemanticScholarAPIKey)
	fill(&cfg.Sources.OpenAlexEmail, OpenAlexEmail)
	fill(&cfg.Sources.CrossrefMailto, CrossrefMailto)
	fill(&cfg.Harvest.ContactEmail, ContactEmail)
	fill(&cfg.Fetch.ContactEmail, ContactEmail)
	fill(&cfg.Store.DSN, StoreDSN)
	fill(&cfg.Mirror.AccessKey, MirrorAccessKey)
	fill(&cfg.Mirror.SecretKey, MirrorSecretKey)
}
