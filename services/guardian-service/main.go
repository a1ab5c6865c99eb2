package main

import "github.com/stoik/guardian/services/guardian-service/internal/app"

func main() {
	app.Execute()
}
