package main

import (
	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/server"
)

func main() {
	s := server.NewServer()
	s.Start(":8080")
}
