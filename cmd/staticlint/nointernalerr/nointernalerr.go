// Package nointernalerr reports handlers that send raw error text to the
// client through http.Error(w, err.Error(), code).
package nointernalerr

import (
	"go/ast"
	"go/types"

	"golang.org/x/tools/go/analysis"
)

// Analyzer flags http.Error calls whose message is the result of an
// error's Error method. Such responses leak storage and filesystem details;
// handlers should answer with a fixed detail string and log the error.
var Analyzer = &analysis.Analyzer{
	Name: "nointernalerr",
	Doc:  "prohibits passing err.Error() to http.Error",
	Run:  run,
}

var errorType = types.Universe.Lookup("error").Type().Underlying().(*types.Interface)

func run(pass *analysis.Pass) (interface{}, error) {
	for _, file := range pass.Files {
		ast.Inspect(file, func(n ast.Node) bool {
			call, ok := n.(*ast.CallExpr)
			if !ok || len(call.Args) != 3 || !isHTTPError(pass, call.Fun) {
				return true
			}

			if isErrorMessage(pass, call.Args[1]) {
				pass.Reportf(call.Pos(), "do not send err.Error() to the client, log it and reply with a fixed detail")
			}

			return true
		})
	}
	return nil, nil
}

func isHTTPError(pass *analysis.Pass, fun ast.Expr) bool {
	sel, ok := fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Error" {
		return false
	}

	obj, ok := pass.TypesInfo.Uses[sel.Sel].(*types.Func)
	if !ok || obj.Pkg() == nil {
		return false
	}

	return obj.Pkg().Path() == "net/http"
}

func isErrorMessage(pass *analysis.Pass, arg ast.Expr) bool {
	call, ok := arg.(*ast.CallExpr)
	if !ok || len(call.Args) != 0 {
		return false
	}

	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Error" {
		return false
	}

	recv := pass.TypesInfo.TypeOf(sel.X)
	if recv == nil {
		return false
	}

	return types.Implements(recv, errorType)
}
