package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
)

var (
	colorRed    = color.New(color.FgRed).SprintFunc()
	colorGreen  = color.New(color.FgGreen).SprintFunc()
	colorYellow = color.New(color.FgYellow).SprintFunc()
	colorCyan   = color.New(color.FgCyan).SprintFunc()
	colorBold   = color.New(color.Bold).SprintFunc()
	colorHeader = color.New(color.Bold, color.FgCyan).SprintFunc()
	colorDim    = color.New(color.Faint).SprintFunc()
)

func printSuccess(message string) {
	fmt.Println(colorGreen("✓") + " " + message)
}

func printError(message string) {
	fmt.Fprintln(os.Stderr, colorRed("✗")+" "+message)
}

func printWarning(message string) {
	fmt.Println(colorYellow("⚠") + " " + message)
}

func printStep(step, total int, message string) {
	fmt.Printf("[%s/%d] %s... ", colorCyan(step), total, message)
}

func printHeader(title string) {
	fmt.Println("\n" + colorHeader(title))
	fmt.Println(colorDim(strings.Repeat("─", 40)))
}

// printTable pads on the raw cell width so color codes don't skew columns.
func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		fmt.Print(colorBold(h) + strings.Repeat(" ", widths[i]-len(h)+2))
	}
	fmt.Println()
	for _, w := range widths {
		fmt.Print(strings.Repeat("─", w) + "  ")
	}
	fmt.Println()
	for _, row := range rows {
		for i, cell := range row {
			fmt.Print(cell + strings.Repeat(" ", widths[i]-len(cell)+2))
		}
		fmt.Println()
	}
}
