// Package main provides the account management CLI: add/list/remove/verify
// accounts in the gateway's filesystem store. Grounded on the teacher's
// cmd/accounts/main.go command dispatch and confirmation-prompt idiom;
// the browser-redirect OAuth capture flow is dropped per SPEC_FULL.md §1/
// §4.2 — accounts enter the pool by pasting an existing refresh token.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/logging"
	"github.com/antigravity-tools/gateway/internal/oauth"
	"github.com/antigravity-tools/gateway/internal/store"
	"github.com/antigravity-tools/gateway/pkg/redis"
)

func main() {
	args := os.Args[1:]
	command := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		command = args[0]
	}

	printBanner()

	log := logging.Default
	st := store.New()
	oauthClient := oauth.New(log)
	scanner := bufio.NewScanner(os.Stdin)

	switch command {
	case "add":
		interactiveAdd(st, oauthClient, scanner)
	case "list":
		listAccounts(st)
	case "remove":
		interactiveRemove(st, scanner)
	case "clear":
		clearAccounts(st, scanner, connectSignatureStore())
	case "verify":
		verifyAccounts(st, oauthClient)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║   Antigravity Gateway Account Manager   ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  gateway-accounts add     Add an account from a pasted refresh token")
	fmt.Println("  gateway-accounts list    List all accounts")
	fmt.Println("  gateway-accounts verify  Verify every account's refresh token still works")
	fmt.Println("  gateway-accounts remove  Remove an account")
	fmt.Println("  gateway-accounts clear   Remove all accounts")
	fmt.Println("  gateway-accounts help    Show this help")
}

func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func displayAccounts(accounts []*store.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}
	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		fmt.Printf("  %d. %s (last used: %s)\n", i+1, acc.Email, formatLastUsed(acc.LastUsedAt))
	}
}

func formatLastUsed(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func interactiveAdd(st *store.Store, oauthClient *oauth.Client, scanner *bufio.Scanner) {
	fmt.Println("\n=== Add Account ===")
	fmt.Println("Paste a refresh token (optionally \"refreshToken|projectId|managedProjectId\").")
	raw := prompt(scanner, "Refresh token: ")
	if raw == "" {
		fmt.Println("\n✗ No input provided.")
		return
	}

	parts := oauth.ParseComposite(raw)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	accessToken, expiresIn, err := oauthClient.Refresh(ctx, parts.RefreshToken)
	if err != nil {
		fmt.Printf("\n✗ Refresh failed: %v\n", err)
		return
	}

	email, name, err := oauthClient.UserInfo(ctx, accessToken)
	if err != nil {
		fmt.Printf("\n✗ Could not fetch account email: %v\n", err)
		return
	}

	projectID := parts.ProjectID
	if projectID == "" {
		projectID = oauthClient.FetchProjectID(ctx, accessToken)
	}

	token := store.TokenData{
		AccessToken:     accessToken,
		RefreshToken:    parts.RefreshToken,
		ExpiryTimestamp: time.Now().Add(time.Duration(expiresIn) * time.Second).Unix(),
		Email:           email,
		ProjectID:       projectID,
	}

	acc, err := st.Upsert(email, name, token)
	if err != nil {
		fmt.Printf("\n✗ Failed to save account: %v\n", err)
		return
	}

	fmt.Printf("\n✓ Saved account %s (id %s)\n", acc.Email, acc.ID)
}

func listAccounts(st *store.Store) {
	accounts, err := st.List()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	displayAccounts(accounts)
}

func interactiveRemove(st *store.Store, scanner *bufio.Scanner) {
	for {
		accounts, err := st.List()
		if err != nil {
			fmt.Println("Error loading accounts:", err)
			return
		}
		if len(accounts) == 0 {
			fmt.Println("\nNo accounts to remove.")
			return
		}

		displayAccounts(accounts)
		fmt.Println("\nEnter account number to remove (or 0 to cancel)")
		answer := prompt(scanner, "> ")
		index, err := strconv.Atoi(answer)
		if err != nil || index < 0 || index > len(accounts) {
			fmt.Println("\n❌ Invalid selection.")
			continue
		}
		if index == 0 {
			return
		}

		removed := accounts[index-1]
		confirm := prompt(scanner, fmt.Sprintf("\nAre you sure you want to remove %s? [y/N]: ", removed.Email))
		if strings.ToLower(confirm) == "y" {
			if err := st.Delete(removed.ID); err != nil {
				fmt.Println("Error removing account:", err)
			} else {
				fmt.Printf("\n✓ Removed %s\n", removed.Email)
			}
		} else {
			fmt.Println("\nCancelled.")
		}

		again := prompt(scanner, "\nRemove another account? [y/N]: ")
		if strings.ToLower(again) != "y" {
			return
		}
	}
}

// connectSignatureStore dials Redis using the same config.RedisAddr the
// server reads, so "clear" can also flush any cached thoughtSignatures tied
// to the accounts being removed. Returns nil if Redis isn't configured or
// unreachable; clearAccounts treats that as "nothing to flush".
func connectSignatureStore() *redis.SignatureStore {
	cfg, err := config.Load()
	if err != nil || cfg.RedisAddr == "" {
		return nil
	}
	client, err := redis.NewClient(redis.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return nil
	}
	return redis.NewSignatureStore(client)
}

func clearAccounts(st *store.Store, scanner *bufio.Scanner, sigStore *redis.SignatureStore) {
	accounts, err := st.List()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts to clear.")
		return
	}
	displayAccounts(accounts)

	confirm := prompt(scanner, "\nAre you sure you want to remove all accounts? [y/N]: ")
	if strings.ToLower(confirm) != "y" {
		fmt.Println("\nCancelled.")
		return
	}
	for _, acc := range accounts {
		if err := st.Delete(acc.ID); err != nil {
			fmt.Printf("Error removing %s: %v\n", acc.Email, err)
		}
	}
	fmt.Println("All accounts removed.")

	if sigStore != nil {
		if err := sigStore.ClearAllSignatures(context.Background()); err != nil {
			fmt.Printf("Warning: failed to clear cached signatures: %v\n", err)
		} else {
			fmt.Println("Cached thought signatures cleared.")
		}
	}
}

func verifyAccounts(st *store.Store, oauthClient *oauth.Client) {
	accounts, err := st.List()
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("No accounts to verify.")
		return
	}

	fmt.Println("\nVerifying accounts...")
	ctx := context.Background()
	for _, acc := range accounts {
		accessToken, _, err := oauthClient.Refresh(ctx, acc.Token.RefreshToken)
		if err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}
		if _, _, err := oauthClient.UserInfo(ctx, accessToken); err != nil {
			fmt.Printf("  ✗ %s - %v\n", acc.Email, err)
			continue
		}
		fmt.Printf("  ✓ %s - OK\n", acc.Email)
	}
}
