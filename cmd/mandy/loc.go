package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/azargarov/mandy/location"
)

const locUsage = `Usage:
  mandy loc                      list saved locations
  mandy loc add NAME X Y SCALE   save a location
  mandy loc rm NAME              remove a location`

func (e *env) loc(args []string) error {
	store, err := e.openLocations()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		args = []string{"ls"}
	}

	switch args[0] {
	case "ls", "list":
		tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
		for _, name := range store.Names() {
			l, _ := store.Get(name)
			fmt.Fprintf(tw, "%s\t%s\t%s\n", name, l, l.Saved.Local().Format(time.DateTime))
		}
		return tw.Flush()

	case "add":
		if len(args) != 5 {
			return e.locUsage()
		}
		l, err := location.ParseLocation(strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		l.Saved = time.Now().UTC()
		if err := store.Put(args[1], l); err != nil {
			return err
		}
		return store.Save()

	case "rm":
		if len(args) != 2 {
			return e.locUsage()
		}
		if !store.Delete(args[1]) {
			return fmt.Errorf("%w: %q", location.ErrNotFound, args[1])
		}
		return store.Save()

	case "-h", "-help", "help":
		fmt.Fprintln(e.stderr, locUsage)
		return nil
	}
	fmt.Fprintf(e.stderr, "mandy: unknown loc command %q\n", args[0])
	return e.locUsage()
}

func (e *env) locUsage() error {
	fmt.Fprintln(e.stderr, locUsage)
	return errUsage
}
