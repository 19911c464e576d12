package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fjod/go_cart/claim-service/internal/scan"
)

type classifyResult struct {
	Kind   string `json:"kind"`
	CartID int64  `json:"cart_id,omitempty"`
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewClassifyCommand creates the classify command.
func NewClassifyCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <code>",
		Short: "Show how a scanned code is interpreted",
		Long: `Show how a scanned code is interpreted. No store is contacted.

Example:
  cartctl classify go-cart-12
  cartctl classify payment:7f9c2ba4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res classifyResult
			var text string
			switch c := scan.Classify(args[0]).(type) {
			case scan.CartClaim:
				res = classifyResult{Kind: "cart", CartID: c.CartID}
				text = fmt.Sprintf("cart %d", c.CartID)
			case scan.Payment:
				res = classifyResult{Kind: "payment", Token: c.Token}
				text = fmt.Sprintf("payment %s", c.Token)
			case scan.Unrecognized:
				res = classifyResult{Kind: "unrecognized", Reason: c.Reason.Error()}
				text = fmt.Sprintf("unrecognized: %v", c.Reason)
			}
			return NewOutputFormatter(opts.Format, cmd.OutOrStdout()).Print(res, text)
		},
	}
}
