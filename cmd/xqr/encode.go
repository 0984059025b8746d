package main

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	jwtx "github.com/dropDatabas3/xqr/internal/jwt"
	"github.com/dropDatabas3/xqr/internal/keys"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
	"github.com/dropDatabas3/xqr/internal/render"
)

const passphraseEnv = "XQR_KEY_PASSPHRASE"

// maxValidFor es el mayor --valid-for representable como time.Duration.
const maxValidFor = math.MaxInt64 / int64(time.Second)

func newEncodeCmd(a *app) *cobra.Command {
	var (
		privPath string
		iss      string
		kid      string
		validFor int64
		display  bool
		savePath string
		size     int
	)
	cmd := &cobra.Command{
		Use:   "encode VALUE",
		Short: "Firma VALUE y lo imprime como token o QR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if validFor < 0 {
				return fail("encoding", errors.New("--valid-for must be >= 0"))
			}
			if validFor > maxValidFor {
				return fail("encoding", fmt.Errorf("--valid-for must be <= %d", maxValidFor))
			}
			kp, err := keys.ReadPrivateFile(privPath, os.Getenv(passphraseEnv))
			if err != nil {
				return fail("reading "+privPath, err)
			}
			if kid == "" {
				if kid, err = keys.Thumbprint(kp.Public); err != nil {
					return fail("encoding", err)
				}
			}
			cs, err := jwtx.Encode(args[0], iss, kid, time.Duration(validFor)*time.Second)
			if err != nil {
				return fail("encoding", err)
			}
			token, err := jwtx.Sign(cs, kp)
			if err != nil {
				return fail("encoding", err)
			}
			logger.L().Debug("token signed", logger.Issuer(iss), logger.KeyID(kid), zap.Int("len", len(token)))

			out := cmd.OutOrStdout()
			switch {
			case display:
				if err := render.WriteTerminal(out, token); err != nil {
					return qrError("displaying QR code", err)
				}
			case savePath != "":
				if err := render.SavePNG(savePath, token, size); err != nil {
					return qrError("saving QR code", err)
				}
				fmt.Fprintln(out, savePath)
			default:
				fmt.Fprintln(out, token)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&privPath, "private-key", "", "Clave privada PEM (ES256)")
	f.StringVar(&iss, "iss", "", "Issuer del token")
	f.StringVar(&kid, "kid", "", "Key id (default: thumbprint RFC 7638)")
	f.Int64Var(&validFor, "valid-for", 0, "Segundos de validez (0 = sin expiración)")
	f.BoolVar(&display, "display", false, "Mostrar el QR en la terminal")
	f.StringVar(&savePath, "save", "", "Guardar el QR como PNG")
	f.IntVar(&size, "size", render.DefaultSize, "Tamaño del PNG en px")
	_ = cmd.MarkFlagRequired("private-key")
	_ = cmd.MarkFlagRequired("iss")
	cmd.MarkFlagsMutuallyExclusive("display", "save")
	return cmd
}

// qrError distingue el caso de capacidad del resto de fallos de render.
func qrError(op string, err error) error {
	if errors.Is(err, render.ErrCapacity) {
		return fail("creating QR code", err)
	}
	return fail(op, err)
}

func readTokenArg(cmd *cobra.Command, arg string) (string, error) {
	if arg != "-" {
		return strings.TrimSpace(arg), nil
	}
	b, err := readAllLimited(cmd.InOrStdin(), 64<<10)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
