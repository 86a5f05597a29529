package main

// General API documentation for swaggo. Run `swag init -g cmd/batchd/docs.go`
// to regenerate the document registered by apidoc.go.
//
// @title           batchd API
// @version         1.0
// @description     Batching inference scheduler: admission, model residency, priority batching and resilient execution.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
