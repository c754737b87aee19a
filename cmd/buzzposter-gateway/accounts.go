// ABOUTME: Operator subcommands that manage user accounts directly in the store
// ABOUTME: Implements adduser, set-tier, rotate-key, usage and history without a running server

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/buzzposter/buzzposter-gateway/internal/auth"
	"github.com/buzzposter/buzzposter-gateway/internal/config"
	"github.com/buzzposter/buzzposter-gateway/internal/store"
	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

// parseFlags reads --name value and --name=value pairs for the given names.
// Unknown arguments are an error.
func parseFlags(args []string, names ...string) (map[string]string, error) {
	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	out := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag --%s", name)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			i++
			value = args[i]
		}
		out[name] = value
	}
	return out, nil
}

// accountEnv is what every account command needs: the config, the policy and an open store.
type accountEnv struct {
	cfg    *config.Config
	policy *tier.Policy
	store  store.Store
}

func openAccountEnv() (*accountEnv, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	policy, err := cfg.TierPolicy()
	if err != nil {
		return nil, fmt.Errorf("building tier policy: %w", err)
	}

	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BUZZPOSTER_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	return &accountEnv{cfg: cfg, policy: policy, store: s}, nil
}

func runAddUser(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "email", "tier")
	if err != nil {
		return err
	}
	if flags["email"] == "" {
		return errors.New("--email is required")
	}

	env, err := openAccountEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	return addUser(ctx, os.Stdout, env, flags["email"], flags["tier"])
}

// addUser creates the account and prints the API key. The key is shown once.
func addUser(ctx context.Context, w io.Writer, env *accountEnv, email, tierName string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	t := tier.Free
	if tierName != "" {
		t = tier.Name(strings.ToLower(tierName))
	}
	if !env.policy.Valid(t) {
		return fmt.Errorf("unknown tier %q", t)
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	user := &store.User{
		Email:      email,
		APIKeyHash: auth.HashAPIKey(key),
		Tier:       t,
	}
	if err := env.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("a user with email %s already exists", email)
		}
		return fmt.Errorf("creating user: %w", err)
	}

	recordAudit(ctx, env, &store.AuditEntry{
		UserID: user.ID,
		Actor:  store.ActorCLI,
		Action: store.AuditSignup,
		Detail: map[string]any{"tier": string(t)},
	})

	green := color.New(color.FgGreen)
	green.Fprint(w, "Created ")
	fmt.Fprintf(w, "user %d (%s) on tier %s\n\n", user.ID, user.Email, user.Tier)
	fmt.Fprintf(w, "API key: %s\n", key)
	fmt.Fprintln(w, "Save this key now; it cannot be shown again.")
	return nil
}

func runSetTier(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "email", "tier")
	if err != nil {
		return err
	}
	if flags["email"] == "" || flags["tier"] == "" {
		return errors.New("--email and --tier are required")
	}

	env, err := openAccountEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	return setTier(ctx, os.Stdout, env, flags["email"], flags["tier"])
}

func setTier(ctx context.Context, w io.Writer, env *accountEnv, email, tierName string) error {
	t := tier.Name(strings.ToLower(tierName))
	if !env.policy.Valid(t) {
		return fmt.Errorf("unknown tier %q", t)
	}

	user, err := lookupUser(ctx, env, email)
	if err != nil {
		return err
	}

	if err := env.store.UpdateUserTier(ctx, user.ID, t); err != nil {
		return fmt.Errorf("updating tier: %w", err)
	}

	recordAudit(ctx, env, &store.AuditEntry{
		UserID: user.ID,
		Actor:  store.ActorCLI,
		Action: store.AuditTierChange,
		Detail: map[string]any{"from": string(user.Tier), "to": string(t)},
	})

	fmt.Fprintf(w, "%s: %s -> %s\n", user.Email, user.Tier, t)
	return nil
}

func runRotateKey(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "email")
	if err != nil {
		return err
	}
	if flags["email"] == "" {
		return errors.New("--email is required")
	}

	env, err := openAccountEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	return rotateKey(ctx, os.Stdout, env, flags["email"])
}

// rotateKey replaces the user's API key. The old key stops resolving immediately.
func rotateKey(ctx context.Context, w io.Writer, env *accountEnv, email string) error {
	user, err := lookupUser(ctx, env, email)
	if err != nil {
		return err
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}
	if err := env.store.RotateAPIKey(ctx, user.ID, auth.HashAPIKey(key)); err != nil {
		return fmt.Errorf("rotating api key: %w", err)
	}

	recordAudit(ctx, env, &store.AuditEntry{UserID: user.ID, Actor: store.ActorCLI, Action: store.AuditKeyRotated})

	fmt.Fprintf(w, "New API key for %s: %s\n", user.Email, key)
	fmt.Fprintln(w, "Save this key now; it cannot be shown again.")
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "email")
	if err != nil {
		return err
	}
	if flags["email"] == "" {
		return errors.New("--email is required")
	}

	env, err := openAccountEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	return showHistory(ctx, os.Stdout, env, flags["email"])
}

// showHistory prints the user's audit entries, newest first.
func showHistory(ctx context.Context, w io.Writer, env *accountEnv, email string) error {
	user, err := lookupUser(ctx, env, email)
	if err != nil {
		return err
	}

	entries, err := env.store.ListAuditLog(ctx, store.AuditFilter{UserID: &user.ID})
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintf(w, "%s: no recorded changes\n", user.Email)
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, e := range entries {
		gray.Fprintf(w, "%s ", e.Timestamp.Local().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "%-16s by %-7s", e.Action, e.Actor)
		if from, ok := e.Detail["from"]; ok {
			fmt.Fprintf(w, " %v -> %v", from, e.Detail["to"])
		}
		fmt.Fprintln(w)
	}
	return nil
}

func lookupUser(ctx context.Context, env *accountEnv, email string) (*store.User, error) {
	user, err := env.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("no user with email %s", email)
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return user, nil
}

// recordAudit warns instead of failing; the account change is already committed.
func recordAudit(ctx context.Context, env *accountEnv, e *store.AuditEntry) {
	if err := env.store.AppendAuditLog(ctx, e); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: recording audit entry: %v\n", err)
	}
}

func runUsage(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "email")
	if err != nil {
		return err
	}
	if flags["email"] == "" {
		return errors.New("--email is required")
	}

	env, err := openAccountEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	return showUsage(ctx, os.Stdout, env, flags["email"], time.Now())
}

// showUsage prints per-tool counts for the current rolling window.
func showUsage(ctx context.Context, w io.Writer, env *accountEnv, email string, now time.Time) error {
	user, err := lookupUser(ctx, env, email)
	if err != nil {
		return err
	}

	entry, err := env.policy.Lookup(user.Tier)
	if err != nil {
		return fmt.Errorf("user tier: %w", err)
	}

	window := env.cfg.Quota.Window
	byTool, err := env.store.UsageByTool(ctx, user.ID, now.Add(-window))
	if err != nil {
		return fmt.Errorf("reading usage: %w", err)
	}

	names := make([]string, 0, len(byTool))
	total := 0
	for name, n := range byTool {
		names = append(names, name)
		total += n
	}
	sort.Strings(names)

	limit := "unlimited"
	if !entry.Unlimited() {
		limit = fmt.Sprintf("%d", entry.DailyQuota)
	}

	fmt.Fprintf(w, "%s (%s): %d of %s calls in the last %s\n", user.Email, user.Tier, total, limit, window)
	for _, name := range names {
		fmt.Fprintf(w, "  %-32s %d\n", name, byTool[name])
	}
	return nil
}
