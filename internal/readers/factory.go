package readers

import (
	"fmt"
)

var driverRegistry = make(map[string]NewFunc)

// Register adds a new driver constructor to the registry.
// This is typically called from the driver's package init() function.
func Register(name string, newFunc NewFunc) {
	if _, exists := driverRegistry[name]; exists {
		return
	}
	driverRegistry[name] = newFunc
}

// Get returns the constructor for the driver with the given name.
func Get(name string) (NewFunc, error) {
	newFunc, exists := driverRegistry[name]
	if !exists {
		return nil, fmt.Errorf("no reader driver registered with name: %s", name)
	}
	return newFunc, nil
}
