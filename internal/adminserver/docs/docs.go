// Package docs holds the generated-style Swagger template for the admin server, normally
// produced by `swag init` against internal/adminserver's handler annotations; hand-authored
// here since this repo has no build step that invokes swag.
package docs

import "github.com/swaggo/swag"

const template = `{
    "swagger": "2.0",
    "info": {
        "title": "TLog Admin API",
        "description": "Read-only status and operator endpoints for a tlogd process.",
        "version": "1.0"
    },
    "basePath": "{{.BasePath}}",
    "paths": {}
}`

// SwaggerInfo holds exported Swagger metadata; adminserver.New sets its BasePath before the doc
// is served (the same BasePath-patching pattern the teacher's restapi/main/main.go uses).
var SwaggerInfo = &swag.Spec{
	Version:     "1.0",
	Host:        "",
	BasePath:    "/admin/v1",
	Schemes:     []string{},
	Title:       "TLog Admin API",
	Description: "Read-only status and operator endpoints for a tlogd process.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  template,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
