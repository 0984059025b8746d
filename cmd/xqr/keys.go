package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/xqr/internal/cache"
	"github.com/dropDatabas3/xqr/internal/keys"
	"github.com/dropDatabas3/xqr/internal/keystore"
	"github.com/dropDatabas3/xqr/internal/observability/logger"
	"github.com/dropDatabas3/xqr/internal/resolver"
)

func newGenerateKeyPairCmd(a *app) *cobra.Command {
	var (
		savePath string
		encrypt  bool
		register bool
		issuer   string
	)
	cmd := &cobra.Command{
		Use:   "generate-key-pair",
		Short: "Genera un par P-256; escribe PATH y la pública con extensión .pub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := keys.Generate()
			if err != nil {
				return fail("generating key pair", err)
			}
			pass := ""
			if encrypt {
				if pass = os.Getenv(passphraseEnv); pass == "" {
					return fail("saving private key", fmt.Errorf("--encrypt requires %s", passphraseEnv))
				}
			}
			pubPath, err := keys.SaveKeyPair(savePath, kp, pass)
			if err != nil {
				return fail("saving key pair", err)
			}
			kid, err := keys.Thumbprint(kp.Public)
			if err != nil {
				return fail("generating key pair", err)
			}
			logger.S().Infof("saved private key to %s and public key to %s", savePath, pubPath)

			if register {
				if err := a.registerKey(cmd, kp, kid, issuer); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), kid)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&savePath, "save", "", "Ruta de la clave privada")
	f.BoolVar(&encrypt, "encrypt", false, "Cifrar la privada con "+passphraseEnv)
	f.BoolVar(&register, "register", false, "Registrar la pública en el keystore")
	f.StringVar(&issuer, "issuer", "", "Issuer asociado al registrar (vacío = cualquiera)")
	_ = cmd.MarkFlagRequired("save")
	return cmd
}

func (a *app) registerKey(cmd *cobra.Command, kp *keys.KeyPair, kid, issuer string) error {
	ctx := cmd.Context()
	k, err := keystore.NewKey(kp.Public, kid, issuer)
	if err != nil {
		return fail("saving public key", err)
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return fail("opening key store", err)
	}
	defer st.Close()
	if err := st.InsertKey(ctx, k); err != nil {
		return fail("saving public key", err)
	}
	return nil
}

func newKeysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Administra el registro de claves públicas",
	}
	cmd.AddCommand(newKeysAddCmd(a), newKeysListCmd(a), newKeysRetireCmd(a))
	return cmd
}

func newKeysAddCmd(a *app) *cobra.Command {
	var pubPath, kid, issuer string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Registra una clave pública PEM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := keys.ReadPublicFile(pubPath)
			if err != nil {
				return fail("reading "+pubPath, err)
			}
			pub, err := keys.LoadPublic(b)
			if err != nil {
				return fail("reading "+pubPath, err)
			}
			k, err := keystore.NewKey(pub, kid, issuer)
			if err != nil {
				return fail("adding key", err)
			}
			st, err := a.openStore(ctx)
			if err != nil {
				return fail("opening key store", err)
			}
			defer st.Close()
			if err := st.InsertKey(ctx, k); err != nil {
				if errors.Is(err, keystore.ErrConflict) {
					return fail("adding key", fmt.Errorf("kid %q already registered", k.KID))
				}
				return fail("adding key", err)
			}
			logger.L().Info("key registered", logger.KeyID(k.KID), logger.Issuer(k.Issuer))
			fmt.Fprintln(cmd.OutOrStdout(), k.KID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&pubPath, "pub", "", "Clave pública PEM")
	f.StringVar(&kid, "kid", "", "Key id (default: thumbprint RFC 7638)")
	f.StringVar(&issuer, "issuer", "", "Issuer asociado (vacío = cualquiera)")
	_ = cmd.MarkFlagRequired("pub")
	return cmd
}

func newKeysListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lista las claves registradas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return fail("opening key store", err)
			}
			defer st.Close()
			ks, err := st.ListKeys(ctx)
			if err != nil {
				return fail("listing keys", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KID\tISSUER\tALG\tSTATUS\tCREATED")
			for _, k := range ks {
				iss := k.Issuer
				if iss == "" {
					iss = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.KID, iss, k.Alg, k.Status, k.CreatedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newKeysRetireCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retire KID",
		Short: "Retira una clave: deja de publicarse y de verificar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return fail("opening key store", err)
			}
			defer st.Close()
			// con redis alcanza a los serve que comparten el backend
			c, err := a.openCache(ctx)
			if err != nil {
				logger.L().Warn("resolver cache unreachable, remote copies expire by ttl", logger.KeyID(args[0]), logger.Err(err))
				c = nil
			} else if c != nil {
				defer c.Close()
			}
			if err := retireKey(ctx, st, c, args[0], a.cfg.CacheTTL()); err != nil {
				return fail("retiring key", err)
			}
			logger.L().Info("key retired", logger.KeyID(args[0]))
			return nil
		},
	}
}

// retireKey retira kid del registro e invalida las copias cacheadas en c.
// Un fallo del cache no revierte la retirada.
func retireKey(ctx context.Context, st keystore.KeyStore, c cache.Client, kid string, ttl time.Duration) error {
	if err := st.RetireKey(ctx, kid); err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	if err := resolver.InvalidateKID(ctx, c, kid, ttl); err != nil {
		logger.L().Warn("resolver cache invalidation failed", logger.KeyID(kid), logger.Err(err))
	}
	return nil
}
