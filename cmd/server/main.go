package main

import "gossiphub/internal/app"

// @title       GossipHub API
// @version     1.0
// @BasePath    /
// @securityDefinitions.apikey BearerAuth
// @in          header
// @name        Authorization
func main() {
	app.Run()
}
