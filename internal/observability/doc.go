// Package observability builds the process logger.
//
// Every component receives a *zap.Logger from here; request scoped fields
// such as request_id and user_id are attached by the middleware and
// handlers that know them.
package observability
