package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scout-cli/api/schemas"
	"github.com/xkilldash9x/scout-cli/internal/page"
)

const shopPage = `<html><body>
  <nav><a href="/products">Products</a><a href="https://elsewhere.test/">Partner</a><a href="#top">Top</a><a href="/logout">Log out</a></nav>
  <form id="signup" aria-label="newsletter">
    <input type="email" name="email">
    <input type="hidden" name="csrf" value="x">
    <select name="freq"><option value="">Pick</option><option value="weekly">Weekly</option></select>
    <input type="checkbox" name="terms">
    <button type="submit">Join</button>
  </form>
  <button id="cart">Cart</button>
  <button id="wipe">Delete account</button>
  <div hidden><button id="ghost">Ghost</button></div>
</body></html>`

func TestHeuristicProposals(t *testing.T) {
	elements, err := page.ExtractElements(shopPage)
	require.NoError(t, err)

	o := NewHeuristicOracle(zaptest.NewLogger(t))
	got, err := o.ProposeScenarios(context.Background(), schemas.OracleInput{
		URL: "https://shop.test/", DOM: shopPage, Elements: elements,
	})
	require.NoError(t, err)

	names := make([]string, len(got))
	for i, p := range got {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"Submit newsletter", "Open Products", "Click Cart"}, names)

	form := got[0]
	assert.Equal(t, "high", form.Priority)
	require.Len(t, form.Steps, 4)
	assert.Equal(t, schemas.RawStep{Action: "fill", Selector: `input[name="email"]`, Value: "scout@example.com"}, form.Steps[0])
	assert.Equal(t, "select", form.Steps[1].Action)
	assert.Equal(t, "weekly", form.Steps[1].Value)
	assert.Equal(t, "check", form.Steps[2].Action)
	assert.Equal(t, schemas.RawStep{Action: "submit", Selector: "#signup"}, form.Steps[3])

	assert.Equal(t, "low", got[1].Priority)
	assert.Equal(t, "medium", got[2].Priority)
}

func TestHeuristicDuplicateNames(t *testing.T) {
	dom := `<html><body><button id="a">Save</button><button id="b">Save</button></body></html>`
	elements, err := page.ExtractElements(dom)
	require.NoError(t, err)

	got, err := NewHeuristicOracle(nil).ProposeScenarios(context.Background(), schemas.OracleInput{URL: "https://x.test/", DOM: dom, Elements: elements})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Click Save", got[0].Name)
	assert.Equal(t, "Click Save (2)", got[1].Name)
}

func TestHeuristicCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHeuristicOracle(nil).ProposeScenarios(ctx, schemas.OracleInput{})
	var oerr *schemas.OracleError
	assert.ErrorAs(t, err, &oerr)
}

func TestSampleValue(t *testing.T) {
	assert.Equal(t, "Scout-Passw0rd!", sampleValue("password", "pw"))
	assert.Equal(t, "42", sampleValue("number", "qty"))
	assert.Equal(t, "test", sampleValue("text", "q"))
	assert.Equal(t, "Scout Tester", sampleValue("text", "full_name"))
}
