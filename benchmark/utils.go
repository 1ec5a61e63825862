package benchmark

// TestWorkload runs the mixed open-pack and trade workload end to end.
func TestWorkload() {
	st := WorkloadStmt{}
	st.WorkloadTest()
	st.Stop()
}
