// Package config handles configuration loading for parlor.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, layered over the values returned by Default. A .env file in the
// working directory is loaded into the environment first (see LoadDotEnv).
//
// # Configuration File
//
// The file is chosen by, in order:
//
//  1. the --config flag
//  2. the PARLOR_CONFIG environment variable
//  3. none: Default() is used as is
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${PARLOR_JWT_SECRET}"
//
// Unset variables expand to the empty string. PARLOR_DB_PATH and
// PARLOR_REDIS_URL override the file after parsing.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	delivery:
//	  max_chunk_delay: "30s"
//	auth:
//	  token_ttl: "30m"
//
// # Example
//
//	server:
//	  http_addr: ":8000"
//	  grpc_addr: ":50051"
//	database:
//	  path: "./data/parlor.db"
//	auth:
//	  jwt_secret: "${PARLOR_JWT_SECRET}"
//	bus:
//	  driver: redis
//	  redis_url: "redis://localhost:6379/0"
//	llm:
//	  api_key: "${OPENAI_API_KEY}"
//	  model: "gpt-4o-mini"
//	delivery:
//	  workers: 8
//	  queue_size: 256
package config
