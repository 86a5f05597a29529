//go:build swagger

package main

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/infer": {
            "post": {
                "tags": ["inference"],
                "summary": "Run inference",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [
                    {"type": "string", "description": "Admission identity", "name": "X-Client-ID", "in": "header"},
                    {"description": "Inference request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.InferRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InferResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "429": {"description": "Too Many Requests", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "507": {"description": "Insufficient Storage", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/upstreams/{name}/infer": {
            "post": {
                "tags": ["inference"],
                "summary": "Forward inference to an upstream",
                "parameters": [
                    {"type": "string", "description": "Upstream name", "name": "name", "in": "path", "required": true},
                    {"description": "Inference request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/types.InferRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.InferResponse"}},
                    "502": {"description": "Bad Gateway", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/models": {
            "get": {
                "tags": ["models"],
                "summary": "List models",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}}
            }
        },
        "/models/{id}": {
            "delete": {
                "tags": ["models"],
                "summary": "Unload a model",
                "parameters": [{"type": "string", "description": "Model id", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "tags": ["status"],
                "summary": "Scheduler status",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}}
            }
        }
    },
    "definitions": {
        "types.InferRequest": {"type": "object", "properties": {
            "model": {"type": "string"}, "prompt": {"type": "string"}, "priority": {"type": "integer"},
            "max_tokens": {"type": "integer"}, "temperature": {"type": "number"}, "top_p": {"type": "number"},
            "top_k": {"type": "integer"}, "stop": {"type": "array", "items": {"type": "string"}},
            "seed": {"type": "integer"}, "repeat_penalty": {"type": "number"}}},
        "types.InferResponse": {"type": "object", "properties": {
            "id": {"type": "string"}, "model": {"type": "string"}, "content": {"type": "string"},
            "finish_reason": {"type": "string"}, "queued_ms": {"type": "integer"},
            "usage": {"type": "object", "properties": {"prompt_tokens": {"type": "integer"}, "completion_tokens": {"type": "integer"}, "total_tokens": {"type": "integer"}}}}},
        "types.ErrorResponse": {"type": "object", "properties": {"error": {"type": "string"}, "code": {"type": "integer"}}},
        "types.ModelsResponse": {"type": "object", "properties": {"models": {"type": "array", "items": {"type": "object"}}}},
        "types.StatusResponse": {"type": "object"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "batchd API",
	Description:      "Batching inference scheduler: admission, model residency, priority batching and resilient execution.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
