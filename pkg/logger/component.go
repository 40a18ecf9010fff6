package logger

import (
	"fmt"
	"strings"
)

// ComponentLogger is a logger scoped to a named component. Messages accept
// trailing key-value pairs which are rendered as key=value fields.
type ComponentLogger struct {
	component string
}

// WithComponent returns a logger scoped to the given component name.
func WithComponent(component string) *ComponentLogger {
	return &ComponentLogger{component: component}
}

func (c *ComponentLogger) format(message string, keysAndValues ...interface{}) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(c.component)
	b.WriteString("] ")
	b.WriteString(message)

	for i := 0; i+1 < len(keysAndValues); i += 2 {
		b.WriteString(fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1]))
	}
	// Odd trailing value without a key
	if len(keysAndValues)%2 == 1 {
		b.WriteString(fmt.Sprintf(" %v", keysAndValues[len(keysAndValues)-1]))
	}

	return b.String()
}

// Debug logs a debug message with key-value fields
func (c *ComponentLogger) Debug(message string, keysAndValues ...interface{}) {
	Debug("%s", c.format(message, keysAndValues...))
}

// Info logs an info message with key-value fields
func (c *ComponentLogger) Info(message string, keysAndValues ...interface{}) {
	Info("%s", c.format(message, keysAndValues...))
}

// Warn logs a warning message with key-value fields
func (c *ComponentLogger) Warn(message string, keysAndValues ...interface{}) {
	Warn("%s", c.format(message, keysAndValues...))
}

// Error logs an error message with key-value fields
func (c *ComponentLogger) Error(message string, keysAndValues ...interface{}) {
	Error("%s", c.format(message, keysAndValues...))
}
