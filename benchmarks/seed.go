package benchmarks

import "github.com/autom8ter/couchsync/testutil"

// seed writes count people, each with two articles, and returns the people's ids
func seed(srv *testutil.Server, count int) []string {
	var ids []string
	for i := 0; i < count; i++ {
		person := testutil.NewPersonDoc()
		id := person["_id"].(string)
		srv.Put(person)
		srv.Put(testutil.NewArticleDoc(id))
		srv.Put(testutil.NewArticleDoc(id))
		ids = append(ids, id)
	}
	return ids
}
