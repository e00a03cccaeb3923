/*
Copyright © 2024-2025 smoltools

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

// binflate is the self-extracting stub. A payload frame is injected
// into a copy of this binary; at run time it materializes the pressed
// binary in the cache and replaces itself with it. It stays silent
// unless something goes wrong, since its output would interleave with
// the real binary's.
package main

import (
	"os"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"

	"github.com/smoltools/binject/pkg/bootstrap"
)

func main() {
	log.SetHandler(clihander.Default)
	if os.Getenv("BINFLATE_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}

	// An argv-shaping variable already in the environment, under its
	// default or overridden name, turns the toggle on.
	argvVar := os.Getenv(bootstrap.EnvFakeArgvName)
	if argvVar == "" {
		argvVar = bootstrap.DefaultFakeArgvVar
	}
	_, fakeArgv := os.LookupEnv(argvVar)

	opts := bootstrap.Options{
		SlotName:    os.Getenv("BINJECT_SLOT"),
		FakeArgv0:   fakeArgv,
		FakeArgvVar: argvVar,
	}
	if opts.SlotName == "" {
		opts.SlotName = "pressed"
	}

	if err := bootstrap.Run(opts); err != nil {
		log.Fatalf("failed to bootstrap: %v", err)
	}
}
