package app

import _ "embed"

// OpenAPISpec is the bundled API description served at /docs
//
//go:embed openapi.yaml
var OpenAPISpec []byte
