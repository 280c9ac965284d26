package models

import "time"

// TaskDefinition describes a single task within a pipeline's DAG: the function
// it dispatches to and the task identifiers it depends on.
type TaskDefinition struct {
	Function     string   `json:"function"`
	Dependencies []string `json:"dependencies"`
}

// Definition maps a task identifier to its definition. It is the shape
// submitted on POST /pipelines and the shape the DAG validator consumes.
type Definition map[string]TaskDefinition

// Pipeline is an immutable, named DAG template. Once created its definition
// never changes; each POST .../run materialises a new Run against it.
type Pipeline struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Definition Definition `json:"definition"`
	CreatedAt  time.Time  `json:"created_at"`
}
