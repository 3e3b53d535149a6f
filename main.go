package main

import "github.com/AsianManiac/webtoon-scraper/cmd"

func main() {
	cmd.Execute()
}
