package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fjod/go_cart/claim-service/domain"
	"github.com/fjod/go_cart/claim-service/internal/claim"
	"github.com/fjod/go_cart/claim-service/internal/store"
	"github.com/fjod/go_cart/claim-service/pkg/circuitbreaker"
)

type cartResult struct {
	CartID int64             `json:"cart_id"`
	Status domain.CartStatus `json:"status,omitempty"`
	UserID string            `json:"user_id,omitempty"`
	Result string            `json:"result"`
}

// NewProvisionCommand creates the provision command.
func NewProvisionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <cart-id>...",
		Short: "Insert free carts into the store",
		Long: `Insert free carts into the store. Carts that already exist are left untouched.

Example:
  cartctl provision 1 2 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := parseCartID(a)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			return withBackend(cmd.Context(), opts, func(b Backend) error {
				out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
				for _, id := range ids {
					res := cartResult{CartID: id, Status: domain.CartStatusNotInUse, Result: "provisioned"}
					if err := b.Provision(cmd.Context(), id); err != nil {
						if !errors.Is(err, store.ErrCartExists) {
							return WrapExitError(ExitCommandError, fmt.Sprintf("provision cart %d", id), err)
						}
						res = cartResult{CartID: id, Result: "exists"}
					}
					if err := out.Print(res, fmt.Sprintf("cart %d %s", id, res.Result)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

// NewClaimCommand creates the claim command.
func NewClaimCommand(opts *RootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "claim <cart-id> --user <user-id>",
		Short: "Claim a cart on behalf of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCartID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), opts, func(e *claim.Engine) error {
				if err := e.Claim(cmd.Context(), id, userID); err != nil {
					return claimError("claim", id, err)
				}
				res := cartResult{CartID: id, Status: domain.CartStatusInUse, UserID: userID, Result: "claimed"}
				return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).
					Print(res, fmt.Sprintf("cart %d claimed by %s", id, userID))
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// NewReleaseCommand creates the release command.
func NewReleaseCommand(opts *RootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "release <cart-id> --user <user-id>",
		Short: "Release a cart held by a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseCartID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), opts, func(e *claim.Engine) error {
				if err := e.Release(cmd.Context(), id, userID); err != nil {
					return claimError("release", id, err)
				}
				res := cartResult{CartID: id, Status: domain.CartStatusNotInUse, Result: "released"}
				return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).
					Print(res, fmt.Sprintf("cart %d released", id))
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status --user <user-id>",
		Short: "Show the cart a user currently holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(e *claim.Engine) error {
				cart, err := e.ActiveCart(cmd.Context(), userID)
				if err != nil {
					return WrapExitError(ExitCommandError, "read active cart", err)
				}
				out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
				if cart == nil {
					return out.Print(map[string]any{"user_id": userID, "cart": nil},
						fmt.Sprintf("%s holds no cart", userID))
				}
				return out.Print(map[string]any{"user_id": userID, "cart": cart},
					fmt.Sprintf("%s holds cart %d", userID, cart.CartID))
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

func withBackend(ctx context.Context, opts *RootOptions, fn func(Backend) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := opts.openBackend(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer b.Close()
	return fn(b)
}

func withEngine(ctx context.Context, opts *RootOptions, fn func(*claim.Engine) error) error {
	return withBackend(ctx, opts, func(b Backend) error {
		log := opts.logger()
		return fn(claim.NewEngine(b, claim.NewStoreBreaker(circuitbreaker.DefaultConfig(), log), log))
	})
}

func claimError(op string, cartID int64, err error) error {
	msg := fmt.Sprintf("%s cart %d", op, cartID)
	var te *domain.TransportError
	if errors.As(err, &te) {
		return WrapExitError(ExitCommandError, msg, err)
	}
	return WrapExitError(ExitFailure, msg, err)
}
