package swagger

//go:generate go run github.com/swaggo/swag/cmd/swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --generatedTime=false
//go:generate go run ./internal/swaggerhtml --spec docs/swagger.json --out docs/swagger.html

// @title           consignd API
// @version         0.0
// @description     consignd relays RGB consignments from payer to payee and records whether the payee accepted them.
// @license.name    MIT
// @license.url     https://opensource.org/license/mit/
// @BasePath        /
// @schemes         http https
// @accept          json
// @produce         json
// @tag.name        consignment
// @tag.description Consignment upload and download.
// @tag.name        handshake
// @tag.description Payee acknowledgement and rejection, plus the status query.
// @tag.name        system
// @tag.description Service health and readiness checks.

// Package swagger provides go:generate hooks for producing OpenAPI assets.
type Package struct{}
