// Package api defines the wire types of the BatchFlow HTTP API.
//
// # API Overview
//
// BatchFlow exposes a small RESTful surface in front of a pool of
// llama.cpp-style inference workers:
//   - POST /predict (alias /v1/predict): enqueue a chat request and wait for its result
//   - GET /result/{id}: fetch a stored result without waiting
//   - GET /queue/stats: queue depths and worker counts
//   - GET /health: 200 while at least one worker is registered
//   - GET /healthz, /ready, /version: probes and build info
//
// # Authentication
//
// When api_keys is configured, every endpoint except the probes requires
// the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8000
package api
