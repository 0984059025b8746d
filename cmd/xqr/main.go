// Command xqr firma valores en tokens ES256 dentro de códigos QR y los verifica.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/xqr/internal/observability/logger"
)

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	err := root.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "xqr",
		Short:         "Signed values inside QR codes",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("XQR_CONFIG"), "Ruta a config YAML (opcional)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "Archivo .env a cargar (si existe)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug|info|warn|error (pisa la config)")

	root.AddCommand(
		newEncodeCmd(a),
		newDecodeCmd(a),
		newGenerateKeyPairCmd(a),
		newKeysCmd(a),
		newServeCmd(a),
	)
	return root
}
