// Package client provides a Go client for the Procurator task broker API.
//
// Basic usage:
//
//	c := client.New("http://localhost:8080", client.WithAPIKey("secret"))
//	resp, err := c.Submit(ctx, client.SubmitRequest{
//		Task:     "_doc_example",
//		TaskData: map[string]interface{}{},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	status, err := c.GetTask(ctx, resp.TaskID)
package client
