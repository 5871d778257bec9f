package tools

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// RegisterBuiltins adds the local tools that need no external service.
// now supplies the clock for get_current_time; nil means time.Now.
func (r *Registry) RegisterBuiltins(now func() time.Time) {
	if now == nil {
		now = time.Now
	}

	r.Register(&Tool{
		Name:        "getCurrentWeather",
		Description: "Get the current weather for a location.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "The city and state, e.g. San Francisco, CA",
				},
				"unit": map[string]any{
					"type": "string",
					"enum": []string{"celsius", "fahrenheit"},
				},
			},
			"required": []string{"location"},
		},
		Handler: handleWeather,
	})

	r.Register(&Tool{
		Name:        "get_current_time",
		Description: "Get the current date and time, optionally in a specific IANA timezone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name (e.g., America/Chicago). Defaults to local time.",
				},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			return currentTime(now(), args)
		},
	})
}

var conditions = []string{"sunny", "partly cloudy", "cloudy", "light rain", "windy", "clear"}

// handleWeather returns canned weather derived from the location name so
// the same question always gets the same answer.
func handleWeather(_ context.Context, args map[string]any) (string, error) {
	location, _ := args["location"].(string)
	location = strings.TrimSpace(location)
	if location == "" {
		return "", fmt.Errorf("location is required")
	}

	unit, _ := args["unit"].(string)
	unit = strings.ToLower(unit)
	if unit == "" {
		unit = "fahrenheit"
	}
	if unit != "fahrenheit" && unit != "celsius" {
		return "", fmt.Errorf("unit must be celsius or fahrenheit, got %q", unit)
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(location)))
	sum := h.Sum32()

	tempF := 40 + int(sum%50)
	cond := conditions[int(sum/50)%len(conditions)]

	temp, symbol := tempF, "°F"
	if unit == "celsius" {
		temp, symbol = (tempF-32)*5/9, "°C"
	}

	return fmt.Sprintf("The weather in %s is %d%s and %s.", location, temp, symbol, cond), nil
}

func currentTime(now time.Time, args map[string]any) (string, error) {
	tz, _ := args["timezone"].(string)
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format("Monday, January 2, 2006 15:04:05 MST"), nil
}
