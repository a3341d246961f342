// Package main migrates a legacy monolithic accounts.json (the Node.js
// proxy's on-disk format, and the teacher's own pre-rewrite Redis-backed
// format) into the gateway's filesystem-backed internal/store layout.
// Grounded on the teacher's cmd/migrate/main.go LegacyAccountConfig
// decoding and dry-run/report idiom; the usage-history.json migration path
// is dropped since usage metering beyond pass-through is a SPEC_FULL.md
// Non-goal, and the destination is internal/store instead of Redis.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/antigravity-tools/gateway/internal/store"
)

// legacyAccountConfig mirrors the Node.js proxy's accounts.json shape.
type legacyAccountConfig struct {
	Accounts []legacyAccount `json:"accounts"`
}

type legacyAccount struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refreshToken"`
	ProjectID    string `json:"projectId"`
	LastUsed     string `json:"lastUsed"`
	Enabled      *bool  `json:"enabled"`
}

func main() {
	var (
		accountsFile string
		homeDir      string
		dryRun       bool
	)

	flag.StringVar(&accountsFile, "accounts", "", "Path to legacy accounts.json (default: ~/.config/antigravity-proxy/accounts.json)")
	flag.StringVar(&homeDir, "home", "", "Destination store directory (default: the gateway's configured home)")
	flag.BoolVar(&dryRun, "dry-run", false, "Print what would be migrated without writing anything")
	flag.Parse()

	if accountsFile == "" {
		userHome, _ := os.UserHomeDir()
		accountsFile = filepath.Join(userHome, ".config", "antigravity-proxy", "accounts.json")
	}

	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║   Legacy Accounts Migration Tool       ║")
	fmt.Println("╚════════════════════════════════════════╝")
	fmt.Println()

	if dryRun {
		fmt.Println("🔍 DRY RUN MODE - No changes will be made")
		fmt.Println()
	}

	var st *store.Store
	if homeDir != "" {
		st = store.NewAt(homeDir)
	} else {
		st = store.New()
	}

	if err := migrateAccounts(accountsFile, st, dryRun); err != nil {
		fmt.Printf("⚠ Accounts migration warning: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	if dryRun {
		fmt.Println("✓ Dry run complete. No changes were made.")
	} else {
		fmt.Println("✓ Migration complete!")
	}
}

func migrateAccounts(path string, st *store.Store, dryRun bool) error {
	fmt.Printf("📁 Migrating accounts from %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("  ℹ No legacy accounts.json found, nothing to migrate.")
			return nil
		}
		return fmt.Errorf("failed to read accounts file: %w", err)
	}

	var cfg legacyAccountConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse accounts.json: %w", err)
	}

	fmt.Printf("  Found %d account(s)\n", len(cfg.Accounts))

	if dryRun {
		for _, acc := range cfg.Accounts {
			enabled := acc.Enabled == nil || *acc.Enabled
			fmt.Printf("    • %s (enabled: %t)\n", acc.Email, enabled)
		}
		return nil
	}

	for _, legacy := range cfg.Accounts {
		if legacy.Enabled != nil && !*legacy.Enabled {
			fmt.Printf("    ⚠ Skipping disabled account %s\n", legacy.Email)
			continue
		}
		if legacy.RefreshToken == "" {
			fmt.Printf("    ⚠ Skipping %s: no refresh token\n", legacy.Email)
			continue
		}

		// AccessToken and ExpiryTimestamp are left zero-valued: TokenData.Valid
		// treats an empty AccessToken as expired, so the pool refreshes it
		// through internal/oauth the first time this account is selected.
		token := store.TokenData{
			RefreshToken: legacy.RefreshToken,
			Email:        legacy.Email,
			ProjectID:    legacy.ProjectID,
		}

		acc, err := st.Upsert(legacy.Email, "", token)
		if err != nil {
			fmt.Printf("    ✗ Failed to migrate %s: %v\n", legacy.Email, err)
			continue
		}

		if legacy.LastUsed != "" {
			if t, err := time.Parse(time.RFC3339, legacy.LastUsed); err == nil {
				acc.LastUsedAt = t
				if err := st.Save(acc); err != nil {
					fmt.Printf("    ⚠ Failed to record last-used time for %s: %v\n", acc.Email, err)
				}
			}
		}

		fmt.Printf("    ✓ Migrated %s (id %s)\n", acc.Email, acc.ID)
	}

	return nil
}
