// Package logger provee el logger Zap del proceso con scoping por contexto.
//
// # Design Decisions
//
//   - Singleton: una instancia global inicializada con Init() desde cmd/xqr.
//   - Context Scoping: el servidor HTTP inyecta un logger con request_id; el
//     verificador y los resolvers lo recuperan con From(ctx).
//   - Environments: "dev" usa consola con colores, "prod" usa JSON. Siempre a stderr.
//   - Campos: helpers tipados (Issuer, KeyID, Reason, ...) para que los logs de
//     verificación tengan nombres estables.
//
// # Usage
//
//	logger.Init(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})
//	defer logger.Sync()
//
//	log := logger.From(ctx)
//	log.Debug("key resolved", logger.Issuer(iss), logger.KeyID(kid))
//
// Los campos de claims sin verificar solo se loguean si sirven para el lookup
// de clave (issuer, kid). El valor del token nunca se loguea.
package logger
