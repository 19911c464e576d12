package cli

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/fjod/go_cart/claim-service/internal/store"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(opts *RootOptions) *cobra.Command {
	var userID string
	var cartID int64
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream cart change events until interrupted",
		Long: `Stream cart change events until interrupted.

Example:
  cartctl watch --user 11111111-1111-1111-1111-111111111111
  cartctl watch --cart 7 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var f store.Filter
			if userID != "" {
				f = append(f, store.ByUserID(userID))
			}
			if cartID > 0 {
				f = append(f, store.ByCartID(cartID))
			}

			ctx := cmd.Context()
			return withBackend(ctx, opts, func(b Backend) error {
				out := NewOutputFormatter(opts.Format, cmd.OutOrStdout())
				var mu sync.Mutex
				sub, err := b.Subscribe(ctx, store.TableShoppingCarts, f, func(ev store.Event) {
					mu.Lock()
					defer mu.Unlock()
					out.Print(ev, describeEvent(ev))
				})
				if err != nil {
					return WrapExitError(ExitCommandError, "subscribe", err)
				}
				defer sub.Close()

				if opts.Verbose {
					fmt.Fprintln(cmd.ErrOrStderr(), "watching", store.TableShoppingCarts, f.String())
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "only events touching this user's carts")
	cmd.Flags().Int64Var(&cartID, "cart", 0, "only events for this cart")
	return cmd
}

func describeEvent(ev store.Event) string {
	row := ev.New
	if row == nil {
		row = ev.Old
	}
	if row == nil {
		return string(ev.Op)
	}
	owner := "-"
	if row.UserID != nil {
		owner = *row.UserID
	}
	return fmt.Sprintf("%s cart %d %s %s", ev.Op, row.CartID, row.Status, owner)
}
