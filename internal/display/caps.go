// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package display

import (
	"os"
	"runtime"
	"strings"

	"golang.org/x/exp/slices"
)

// guiBrowsers lists browsers that need a display unless run headless.
var guiBrowsers = []string{"chrome", "chromium", "firefox", "microsoftedge", "msedge", "edge"}

// browserOptionKeys maps vendor capability keys to their headless flags.
var browserOptionKeys = map[string][]string{
	"goog:chromeOptions": {"--headless", "--headless=new", "--headless=old"},
	"ms:edgeOptions":     {"--headless", "--headless=new"},
	"moz:firefoxOptions": {"-headless", "--headless"},
}

// Needed reports whether a worker running caps on this host needs a virtual
// display: the host runs Linux, has no DISPLAY, and caps start a GUI browser.
func Needed(caps map[string]interface{}) bool {
	if runtime.GOOS != "linux" || os.Getenv("DISPLAY") != "" {
		return false
	}
	return CapabilitiesNeedDisplay(caps)
}

// CapabilitiesNeedDisplay reports whether caps start at least one GUI browser
// without headless mode. Multiremote capabilities, where every value holds a
// "capabilities" object, and W3C "alwaysMatch" capabilities are inspected
// recursively.
func CapabilitiesNeedDisplay(caps map[string]interface{}) bool {
	if caps == nil {
		return false
	}
	if am, ok := caps["alwaysMatch"].(map[string]interface{}); ok {
		return CapabilitiesNeedDisplay(am)
	}
	if name, ok := caps["browserName"].(string); ok {
		return browserNeedsDisplay(strings.ToLower(name), caps)
	}
	for _, v := range caps {
		inst, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if c, ok := inst["capabilities"].(map[string]interface{}); ok && CapabilitiesNeedDisplay(c) {
			return true
		}
	}
	return false
}

func browserNeedsDisplay(name string, caps map[string]interface{}) bool {
	if !slices.Contains(guiBrowsers, name) {
		return false
	}
	for key, flags := range browserOptionKeys {
		opts, ok := caps[key].(map[string]interface{})
		if !ok {
			continue
		}
		args, _ := opts["args"].([]interface{})
		for _, a := range args {
			if s, ok := a.(string); ok && slices.Contains(flags, s) {
				return false
			}
		}
	}
	return true
}
