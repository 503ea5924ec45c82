// Package app composes the Charachat services into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring and lifecycle
//	├── open.go             # Backend selection (memory, postgres, supabase, redis)
//	├── domain/             # Domain models (pure data structures)
//	├── storage/            # Store interfaces and the memory/postgres/supabase backends
//	├── services/           # Business logic, one package per aggregate
//	├── httpapi/            # HTTP routing and handlers
//	├── system/             # Lifecycle manager for background services
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/charachat/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           └──► internal/app/storage/ (interfaces)
//	      │
//	      ├──► internal/providers/ (generative APIs)
//	      │
//	      └──► internal/platform/ (schema migrations)
//
// # Adding a New Aggregate
//
//  1. Create domain models in internal/app/domain/<name>/
//  2. Add the store interface to internal/app/storage/interfaces.go
//  3. Implement it in storage/memory, storage/postgres and storage/supabase
//  4. Create the service in internal/app/services/<name>/service.go
//  5. Wire the service in internal/app/application.go
//  6. Add handlers in internal/app/httpapi/
package app
