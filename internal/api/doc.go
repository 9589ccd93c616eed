// Package api provides the HTTP REST API and WebSocket endpoint for the
// janitor core.
//
// It exposes authentication, relay control, group and user management,
// device provisioning, and the realtime push channel to clients (the
// mobile app, the web admin, and the controllers themselves).
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Route surface:
//
//	/api/v1/auth/*        login, refresh, logout, change-password, me
//	/api/v1/user/*        member-facing group list and relay trigger
//	/api/v1/admin/*       group-admin user and device management
//	/api/v1/superadmin/*  full CRUD over users, groups, devices, logs
//	/api/v1/device/*      unauthenticated provisioning endpoints
//	/api/v1/ws            WebSocket push channel (token query parameter)
//
// All handlers are thin: authorisation and domain rules live in the
// auth, group, relay, and device packages.
package api
