package main

import "printhost/app"

func main() {
	app.New().Run()
}
