package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	jwtx "github.com/dropDatabas3/xqr/internal/jwt"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
)

type decodeOutput struct {
	Value     string     `json:"value"`
	Issuer    string     `json:"issuer"`
	KeyID     string     `json:"kid"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func newDecodeCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "decode TOKEN",
		Short: "Verifica TOKEN (o '-' para stdin) e imprime el valor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			raw, err := readTokenArg(cmd, args[0])
			if err != nil {
				return fail("reading token", err)
			}
			rt, err := a.buildRuntime(ctx, false)
			if err != nil {
				return fail("decoding", err)
			}
			defer rt.Close()

			v, err := rt.verifier.Verify(ctx, raw)
			if err != nil {
				return decodeError(err)
			}
			c := v.Claims()
			logger.L().Debug("token verified", logger.Issuer(c.Issuer), logger.KeyID(c.KeyID))

			out := cmd.OutOrStdout()
			if !asJSON {
				fmt.Fprintln(out, v.Value())
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(decodeOutput{
				Value:     c.Value,
				Issuer:    c.Issuer,
				KeyID:     c.KeyID,
				IssuedAt:  c.IssuedAt,
				ExpiresAt: c.ExpiresAt,
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Imprimir claims como JSON")
	return cmd
}

// decodeError mantiene el mensaje de resolución de clave separado del resto.
func decodeError(err error) error {
	if errors.Is(err, jwtx.ErrKeyUnavailable) {
		return fail("fetching public key", err)
	}
	return fail("decoding", err)
}

func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("input exceeds %d bytes", max)
	}
	return b, nil
}
