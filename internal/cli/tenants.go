package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/storesync/internal/store"
)

// TenantsOptions holds flags for tenants add.
type TenantsOptions struct {
	*RootOptions
	ID       string
	Domain   string
	Token    string
	Disabled bool
	All      bool
}

// tenantView is the printed form of a tenant. The access token is never
// printed.
type tenantView struct {
	ID        string    `json:"tenant_id"`
	Domain    string    `json:"domain"`
	Enabled   bool      `json:"enabled"`
	HasToken  bool      `json:"has_token"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newTenantView(t store.Tenant) tenantView {
	return tenantView{
		ID:        t.ID,
		Domain:    t.Domain,
		Enabled:   t.Enabled,
		HasToken:  t.AccessToken != "",
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// NewTenantsCommand creates the tenants command group.
func NewTenantsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage the stores being synced",
	}
	cmd.AddCommand(newTenantsAddCommand(rootOpts))
	cmd.AddCommand(newTenantsListCommand(rootOpts))
	return cmd
}

func newTenantsAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TenantsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a tenant",
		Long: `Register a tenant, or update the domain, token and enabled flag of an
existing one.

Example:
  storesync tenants add --id acme --domain acme.myshopify.com --token shpat_xxx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			t := store.Tenant{
				ID:          strings.TrimSpace(opts.ID),
				Domain:      strings.TrimSpace(opts.Domain),
				AccessToken: opts.Token,
				Enabled:     !opts.Disabled,
			}
			if t.ID == "" {
				return NewExitError(ExitCommandError, "--id must not be empty")
			}
			if err := a.store.UpsertTenant(cmd.Context(), t, time.Now().UTC()); err != nil {
				return WrapExitError(ExitCommandError, "failed to save tenant", err)
			}
			saved, err := a.store.GetTenant(cmd.Context(), t.ID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to reload tenant", err)
			}
			view := newTenantView(*saved)
			return a.out.Print(view, func(w io.Writer) {
				fmt.Fprintf(w, "tenant %s saved (domain %s, enabled %t)\n", view.ID, view.Domain, view.Enabled)
			})
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "tenant id (required)")
	cmd.Flags().StringVar(&opts.Domain, "domain", "", "store domain, e.g. acme.myshopify.com")
	cmd.Flags().StringVar(&opts.Token, "token", "", "API access token")
	cmd.Flags().BoolVar(&opts.Disabled, "disabled", false, "register the tenant without syncing it")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newTenantsListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TenantsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			tenants, err := a.store.ListTenants(cmd.Context(), !opts.All)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list tenants", err)
			}
			views := make([]tenantView, 0, len(tenants))
			for _, t := range tenants {
				views = append(views, newTenantView(t))
			}
			return a.out.Print(views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "no tenants")
					return
				}
				for _, v := range views {
					state := "enabled"
					if !v.Enabled {
						state = "disabled"
					}
					if !v.HasToken {
						state += ", no token"
					}
					fmt.Fprintf(w, "%-20s %-40s %s\n", v.ID, v.Domain, state)
				}
			})
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "include disabled tenants")
	return cmd
}
