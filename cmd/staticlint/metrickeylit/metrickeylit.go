// Package metrickeylit defines an analyzer that reports metric keys built from
// string literals outside the domain package.
package metrickeylit

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

const (
	domainSuffix = "internal/domain"
	keyType      = "MetricKey"
)

// Analyzer is the metrickeylit analyzer.
var Analyzer = &analysis.Analyzer{
	Name:     "metrickeylit",
	Doc:      "reports domain.MetricKey conversions of string literals outside internal/domain; use the catalog constants or domain.LookupKey",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	if pass.Pkg == nil || isDomainPath(pass.Pkg.Path()) {
		return nil, nil
	}

	insp, ok := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)
	if !ok {
		return nil, fmt.Errorf("failed to assert type: expected *inspector.Inspector")
	}

	insp.Preorder([]ast.Node{(*ast.CallExpr)(nil)}, func(n ast.Node) {
		call, ok := n.(*ast.CallExpr)
		if !ok || len(call.Args) != 1 {
			return
		}
		lit, ok := ast.Unparen(call.Args[0]).(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return
		}
		if isMetricKeyConversion(pass.TypesInfo, call) {
			pass.Reportf(call.Pos(), "metric key %s built from a literal; use a domain constant or domain.LookupKey", lit.Value)
		}
	})

	return nil, nil
}

// isMetricKeyConversion reports whether call converts its argument to domain.MetricKey.
func isMetricKeyConversion(info *types.Info, call *ast.CallExpr) bool {
	if info == nil || call == nil {
		return false
	}
	tv, ok := info.Types[call.Fun]
	if !ok || !tv.IsType() {
		return false
	}
	named, ok := tv.Type.(*types.Named)
	if !ok {
		return false
	}
	obj := named.Obj()
	return obj != nil && obj.Pkg() != nil && obj.Name() == keyType && isDomainPath(obj.Pkg().Path())
}

func isDomainPath(p string) bool {
	return p == "domain" || strings.HasSuffix(p, "/"+domainSuffix) || p == domainSuffix
}
