package cmd

import (
	"bytes"
	"fmt"
	"text/template"

	"cloudslave/internal/manager"
)

// slaveContext is what commands and paths can refer to, e.g. "{{.Slave.Name}}".
func slaveContext(r *manager.Reservation, index int, slave *manager.Slave) map[string]interface{} {
	rec := slave.Record()
	return map[string]interface{}{
		"Slave": map[string]interface{}{
			"Name":        rec.Name,
			"Index":       index,
			"CloudNodeID": rec.CloudNodeID,
		},
		"Reservation": map[string]interface{}{
			"ID":    r.ID(),
			"Cloud": r.Cloud().Name(),
			"Size":  r.Record().NumberOfSlaves,
		},
	}
}

func renderTemplate(templateStr string, context map[string]interface{}) (string, error) {
	tmpl, err := template.New("command").Option("missingkey=error").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, context); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}
