package handlers

import (
	"github.com/flowmesh/diaflow/engine/condition"
	"github.com/flowmesh/diaflow/engine/handler"
)

// RegisterBuiltins installs the built-in node handlers into reg. The
// condition evaluator is shared so compiled expressions are reused
// across executions; pass nil to get a private one.
func RegisterBuiltins(reg *handler.Registry, eval *condition.Evaluator) {
	reg.MustRegister(Start{})
	reg.MustRegister(NewCondition(eval))
	reg.MustRegister(PersonJob{})
	reg.MustRegister(CodeJob{})
	reg.MustRegister(Endpoint{})
	reg.MustRegister(SubDiagram{})
}
